package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message ids.
const (
	MessageViewer = "viewer"
	MessageStop   = "stop"
)

// Outbound message ids and viewerResponse results.
const (
	MessageViewerResponse = "viewerResponse"
	MessageError          = "error"

	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
)

var errMissingID = errors.New("message has no id")

// InboundMessage is any message a viewer sends.
type InboundMessage struct {
	ID       string `json:"id"`
	SDPOffer string `json:"sdpOffer,omitempty"`
}

// ViewerResponse answers a viewer message.
type ViewerResponse struct {
	ID        string `json:"id"`
	Response  string `json:"response"`
	SDPAnswer string `json:"sdpAnswer,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorMessage reports a message the server could not handle.
type ErrorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func accepted(answer string) ViewerResponse {
	return ViewerResponse{ID: MessageViewerResponse, Response: ResponseAccepted, SDPAnswer: answer}
}

func rejected(message string) ViewerResponse {
	return ViewerResponse{ID: MessageViewerResponse, Response: ResponseRejected, Message: message}
}

func errorMessage(message string) ErrorMessage {
	return ErrorMessage{ID: MessageError, Message: message}
}

// ParseMessage decodes one inbound frame.
func ParseMessage(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InboundMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return InboundMessage{}, errMissingID
	}
	return msg, nil
}
