// Package srt accepts SRT publish connections and feeds their transport
// bytes into ingest sources for demuxing.
package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"essync/ingest"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Handler receives each accepted publish as a Source. It is invoked on its
// own goroutine and owns the source's downstream lifecycle.
type Handler func(src *ingest.Source)

// Server accepts incoming SRT publish connections.
type Server struct {
	log     *slog.Logger
	addr    string
	handler Handler
}

// NewServer creates an SRT server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log.With("component", "srt-server"),
		addr:    addr,
		handler: handler,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		name := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", name, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, name)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, name string) {
	defer conn.Close()

	src := ingest.NewSource(name)
	src.SetRemoteAddr(conn.RemoteAddr().String())
	go s.handler(src)

	if err := src.Feed(ctx, conn); err != nil && ctx.Err() == nil {
		s.log.Debug("feed ended", "stream_key", name, "error", err)
	}

	stats := src.Stats()
	s.log.Info("connection closed", "stream_key", name,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
