package player

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"essync/media"
)

// SeekRequester is implemented by sinks that must flush internal state
// before accepting packets at a new position. The session calls RequestSeek
// on every configured sink when a seek begins; the sink reports
// stream-local seeking until it has repositioned.
type SeekRequester interface {
	RequestSeek()
}

// WriterSink writes released packet payloads to an io.Writer and resolves
// seek times against fixed-duration segments. Between RequestSeek and the
// next segment resolution it reports stream-local seeking, mirroring a
// decoder that flushes before accepting packets at a new position.
type WriterSink struct {
	log    *slog.Logger
	kind   media.StreamType
	w      io.Writer
	segDur time.Duration

	seeking  atomic.Bool
	accepted atomic.Int64
	bytes    atomic.Int64
}

// NewWriterSink creates a sink for one stream kind. segDur is the fixed
// segment duration used for time-to-segment resolution; zero means
// segment-less (resolution returns the requested time). If log is nil,
// slog.Default() is used.
func NewWriterSink(kind media.StreamType, w io.Writer, segDur time.Duration, log *slog.Logger) *WriterSink {
	if log == nil {
		log = slog.Default()
	}
	return &WriterSink{
		log:    log.With("component", "sink", "stream", kind),
		kind:   kind,
		w:      w,
		segDur: segDur,
	}
}

// Seeking reports whether the sink is repositioning.
func (s *WriterSink) Seeking() bool { return s.seeking.Load() }

// RequestSeek puts the sink into its repositioning state.
func (s *WriterSink) RequestSeek() { s.seeking.Store(true) }

// ResolveSegment maps t to the fixed-duration segment containing it and
// positions the sink there, ending the repositioning state.
func (s *WriterSink) ResolveSegment(t time.Duration) (time.Duration, time.Duration) {
	defer s.seeking.Store(false)
	if s.segDur <= 0 {
		return t, 0
	}
	start := t - t%s.segDur
	return start, s.segDur
}

// AcceptPacket takes ownership of a released packet and writes its payload.
func (s *WriterSink) AcceptPacket(p *media.Packet) {
	if _, err := s.w.Write(p.Payload); err != nil {
		s.log.Error("payload write failed", "error", err)
		return
	}
	s.accepted.Add(1)
	s.bytes.Add(int64(len(p.Payload)))
}

// Accepted returns how many packets the sink has consumed.
func (s *WriterSink) Accepted() int64 { return s.accepted.Load() }

// Bytes returns how many payload bytes the sink has written.
func (s *WriterSink) Bytes() int64 { return s.bytes.Load() }
