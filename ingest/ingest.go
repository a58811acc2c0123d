// Package ingest couples a raw transport byte source with read accounting
// and lifecycle signaling, bridging the SRT listener (or a local file) to
// the demux pipeline.
package ingest

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// SourceStats captures connection-level metrics for an ingest source,
// exposed via the debug API for monitoring source health.
type SourceStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source is one active transport byte source. Bytes fed into it are read by
// the demuxer through Reader.
type Source struct {
	Name      string
	StartedAt time.Time

	pr io.ReadCloser
	pw io.WriteCloser

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// NewSource creates a Source backed by an in-process pipe.
func NewSource(name string) *Source {
	pr, pw := io.Pipe()
	return &Source{
		Name:      name,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
	}
}

// Reader returns the demuxer-facing side of the source.
func (s *Source) Reader() io.Reader { return s.pr }

// SetRemoteAddr stores the remote address of the transport connection for
// diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Feed copies bytes from r into the source until EOF, a read error, or
// context cancellation, recording read counters. The write side is closed
// when Feed returns so the demuxer observes EOF.
func (s *Source) Feed(ctx context.Context, r io.Reader) error {
	defer s.pw.Close()

	buf := make([]byte, 1316*10) // 7 TS packets per SRT payload, x10
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			s.readCount.Add(1)
			if _, werr := s.pw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close shuts the source down, unblocking any pending demuxer read.
func (s *Source) Close() {
	s.pw.Close()
	s.pr.Close()
}

// Stats returns a snapshot of ingest source metrics.
func (s *Source) Stats() SourceStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SourceStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}
