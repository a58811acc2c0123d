// Package player drives playback of one demuxed transport stream: it wires
// demuxer output into the sync engine, owns the playback clock, and polls
// the engine on a fixed tick.
package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"essync/demux"
	"essync/media"
	"essync/syncbuf"
)

// DefaultTickInterval is how often the session polls the sync engine.
const DefaultTickInterval = 100 * time.Millisecond

// drainGrace bounds how long the session keeps polling after the demuxer
// finished without any packet being released. Trailing packets sit at the
// buffered horizon and never become eligible, so a stalled drain means
// playback is over.
const drainGrace = 2 * time.Second

// Session plays one stream: demuxer messages flow into the sync engine on
// the producer side while the tick loop advances the playback clock and
// polls the engine for releases.
type Session struct {
	log          *slog.Logger
	mgr          *syncbuf.Manager
	demuxer      *demux.Demuxer
	tickInterval time.Duration

	mu      sync.Mutex
	sinks   [media.StreamTypeCount]syncbuf.Sink
	started time.Time
	offset  time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.tickInterval = d }
}

// NewSession creates a session demuxing from input into mgr. If log is nil,
// slog.Default() is used.
func NewSession(name string, input io.Reader, mgr *syncbuf.Manager, log *slog.Logger, opts ...SessionOption) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:          log.With("component", "session", "stream", name),
		mgr:          mgr,
		tickInterval: DefaultTickInterval,
	}
	s.demuxer = demux.New(input, s.handleMessage, log.With("stream", name))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConfigureStream attaches a sink for one stream kind, both to the session
// (for seek orchestration) and to the sync engine.
func (s *Session) ConfigureStream(kind media.StreamType, sink syncbuf.Sink) error {
	if err := s.mgr.ConfigureStream(kind, sink); err != nil {
		return err
	}
	s.mu.Lock()
	s.sinks[kind] = sink
	s.mu.Unlock()
	return nil
}

// PlaybackTime returns the current playback clock position.
func (s *Session) PlaybackTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return s.offset
	}
	return s.offset + time.Since(s.started)
}

// Seek repositions playback to the requested time: the engine discards its
// buffer, every sink is told to reposition, and seek targets are notified
// video first so audio aligns to the video segment boundary.
func (s *Session) Seek(to time.Duration) error {
	s.mu.Lock()
	s.offset = to
	if !s.started.IsZero() {
		s.started = time.Now()
	}
	sinks := s.sinks
	s.mu.Unlock()

	s.mgr.PrepareSeek(to)

	order := []media.StreamType{media.Video, media.Audio}
	for _, kind := range order {
		if r, ok := sinks[kind].(SeekRequester); ok {
			r.RequestSeek()
		}
	}
	for _, kind := range order {
		if sinks[kind] == nil {
			continue
		}
		if err := s.mgr.NotifySeekTarget(kind, to); err != nil {
			return err
		}
	}
	s.log.Info("seek requested", "to", to)
	return nil
}

// Run starts the demuxer and the tick loop. It returns when the context is
// cancelled, the demuxer fails, or the stream has played out (demuxer done
// and the buffer empty or stalled at the horizon).
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	demuxDone := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(demuxDone)
		if err := s.demuxer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		lastReleased := s.mgr.Stats().Released
		lastProgress := time.Now()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pending := s.mgr.Tick(s.PlaybackTime())

				select {
				case <-demuxDone:
				default:
					continue
				}

				if !pending {
					s.log.Info("stream played out")
					return nil
				}
				if released := s.mgr.Stats().Released; released != lastReleased {
					lastReleased = released
					lastProgress = time.Now()
				} else if time.Since(lastProgress) > drainGrace {
					s.log.Info("drain stalled at buffered horizon, stopping",
						"buffered", s.mgr.Stats().Buffered)
					return nil
				}
			}
		}
	})

	return g.Wait()
}

func (s *Session) handleMessage(msg media.Message) {
	if err := s.mgr.Submit(msg); err != nil {
		s.log.Error("packet rejected", "error", err)
	}
}
