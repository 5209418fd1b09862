package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castrelay/internal/client"
	"castrelay/pkg/logger"

	"github.com/pion/webrtc/v3"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/call", "signaling endpoint")
	duration := flag.Duration("duration", 30*time.Second, "how long to watch; 0 watches until interrupted")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server, empty for none")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	zapLogger := logger.New(*level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var iceServers []webrtc.ICEServer
	if *stun != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{*stun}})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	viewer := client.NewViewer(client.Config{URL: *url, ICEServers: iceServers}, log)
	if err := viewer.Watch(ctx); err != nil {
		log.Errorw("watch failed", "url", *url, "error", err)
		viewer.Close()
		zapLogger.Sync()
		os.Exit(1)
	}

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timeout:
			break loop
		case <-ticker.C:
			log.Infow("receiving", "packets", viewer.Packets(), "bytes", viewer.Bytes())
		}
	}

	if err := viewer.Stop(); err != nil {
		log.Warnw("failed to send stop", "error", err)
	}
	if err := viewer.Close(); err != nil {
		log.Debugw("close", "error", err)
	}
	log.Infow("viewer finished", "packets", viewer.Packets(), "bytes", viewer.Bytes())
}
