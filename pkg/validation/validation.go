package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSDPBytes bounds an SDP offer accepted from a viewer.
const MaxSDPBytes = 32 * 1024

var (
	// SessionIDRegex validates session id format
	SessionIDRegex = regexp.MustCompile(`^[0-9]{1,20}$`)
)

// ValidateSessionID validates a session id as handed out by the signaling
// server.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if !SessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session id format")
	}
	return nil
}

// ValidateSDPOffer validates the sdpOffer of a viewer request. Only the
// envelope is checked; parsing is left to the media service.
func ValidateSDPOffer(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdpOffer is required")
	}
	if len(sdp) > MaxSDPBytes {
		return fmt.Errorf("sdpOffer is too large (max %d bytes)", MaxSDPBytes)
	}
	if !utf8.ValidString(sdp) {
		return fmt.Errorf("sdpOffer is not valid UTF-8")
	}
	return nil
}

// ValidateURL validates an absolute URL. With schemes given, the URL scheme
// must be one of them.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("URL must have a scheme")
	}
	if u.Host == "" && u.Scheme != "file" {
		return fmt.Errorf("URL must have a host")
	}
	if len(schemes) == 0 {
		return nil
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("URL scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}
