// Package syncbuf buffers demuxed elementary-stream packets arriving from
// two independent stream pipelines and releases them to per-stream sinks in
// decode order, at a bounded lookahead from the current playback time. It
// also coordinates the two-stream seek handshake: when both streams are
// present, video resolves its target segment first and audio aligns to the
// video segment boundary.
package syncbuf

import (
	"container/heap"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"essync/media"
	"essync/metrics"
)

// DefaultAdmissionWindow is how far ahead of current playback time a
// buffered packet may be released to its sink. Entries further out stay
// buffered until playback catches up.
const DefaultAdmissionWindow = 4 * time.Second

// highWatermark is the buffer depth past which a one-time warning is
// logged. Ingestion never rejects on size; producers are expected to pace
// themselves against the admission window.
const highWatermark = 4096

const (
	minDTS = time.Duration(math.MinInt64)
	maxDTS = time.Duration(math.MaxInt64)
)

// Sink consumes released packets for one stream. The manager never invokes
// a Sink method while holding its own lock, so implementations may call
// back into the manager.
type Sink interface {
	// Seeking reports whether the sink is repositioning and not yet ready
	// to accept packets at the new position.
	Seeking() bool

	// ResolveSegment maps a time to the segment containing it, returning
	// the segment start and duration. Resolving a segment positions the
	// sink there.
	ResolveSegment(t time.Duration) (start, duration time.Duration)

	// AcceptPacket takes ownership of a released packet.
	AcceptPacket(p *media.Packet)
}

type streamSlot struct {
	sink         Sink
	latestDTS    time.Duration // DTS of the most recently buffered packet
	targetLocked bool          // post-seek target segment computed
}

// Manager is the synchronization engine. All state is guarded by a single
// mutex scoped to each public operation; sink calls always happen outside
// the critical section.
type Manager struct {
	log     *slog.Logger
	window  time.Duration
	metrics *metrics.Metrics

	mu            sync.Mutex
	slots         [media.StreamTypeCount]streamSlot
	queue         packetQueue
	seq           uint64
	seeking       bool
	videoSeekTime time.Duration
	depthWarned   bool

	ingested       uint64
	released       uint64
	droppedSeeking uint64
	flushed        uint64
	seeksStarted   uint64
	seeksCompleted uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithAdmissionWindow overrides DefaultAdmissionWindow.
func WithAdmissionWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithMetrics attaches Prometheus collectors to the manager.
func WithMetrics(col *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = col }
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:    log.With("component", "syncbuf"),
		window: DefaultAdmissionWindow,
	}
	for i := range m.slots {
		m.slots[i].latestDTS = minDTS
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureStream attaches the sink for one stream kind. Call once per
// present stream before playback starts; a kind left unconfigured means
// that stream is absent from the session.
func (m *Manager) ConfigureStream(kind media.StreamType, sink Sink) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStreamType, kind)
	}
	m.mu.Lock()
	m.slots[kind].sink = sink
	m.mu.Unlock()
	return nil
}

// Submit ingests one demuxer message. End-of-stream is logged only.
// Packets for unconfigured streams are rejected; packets for a stream whose
// sink is still repositioning after a seek are dropped silently, since the
// sink cannot yet take data at the new position. Everything else is tagged,
// recorded as the stream's buffered horizon, and inserted into the ordered
// buffer.
func (m *Manager) Submit(msg media.Message) error {
	switch msg.Kind {
	case media.EndOfStream:
		m.log.Debug("end of stream")
		return nil

	case media.AudioPacket, media.VideoPacket:
		kind := media.Audio
		if msg.Kind == media.VideoPacket {
			kind = media.Video
		}
		if msg.Packet == nil {
			return fmt.Errorf("%w: %s", ErrMissingPacket, kind)
		}

		m.mu.Lock()
		sink := m.slots[kind].sink
		m.mu.Unlock()
		if sink == nil {
			return fmt.Errorf("%w: received a %s packet", ErrStreamNotConfigured, kind)
		}
		if sink.Seeking() {
			m.mu.Lock()
			m.droppedSeeking++
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.IncDropped()
			}
			return nil
		}

		pkt := msg.Packet
		pkt.Type = kind

		m.mu.Lock()
		m.slots[kind].latestDTS = pkt.DTS
		m.seq++
		heap.Push(&m.queue, queueEntry{pkt: pkt, seq: m.seq})
		m.ingested++
		depth := m.queue.Len()
		warn := depth >= highWatermark && !m.depthWarned
		if warn {
			m.depthWarned = true
		}
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.IncIngested(kind.String())
			m.metrics.SetBuffered(depth)
		}
		if warn {
			m.log.Warn("sync buffer crossed high watermark", "entries", depth)
		}
		return nil

	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedMessage, msg.Kind)
	}
}

// PrepareSeek discards all buffered packets and arms the seek handshake.
// Stream pipelines stop sending packets while their sinks reposition; the
// first packet a sink lets through is already at the new position. The seek
// itself completes when a qualifying keyframe shows up within the buffered
// horizon (see Tick).
func (m *Manager) PrepareSeek(to time.Duration) {
	m.mu.Lock()
	flushed := m.queue.Len()
	m.queue = nil
	m.seeking = true
	m.videoSeekTime = 0
	m.depthWarned = false
	for i := range m.slots {
		m.slots[i].targetLocked = false
		m.slots[i].latestDTS = minDTS
	}
	m.flushed += uint64(flushed)
	m.seeksStarted++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AddFlushed(flushed)
		m.metrics.IncSeeksStarted()
		m.metrics.SetBuffered(0)
	}
	m.log.Debug("seek prepared", "to", to, "flushed", flushed)
}

// NotifySeekTarget records that the given stream is ready to seek and
// resolves its target segment. Video resolves against the requested time
// and commits the resulting segment start. Audio resolves only once video
// has committed (or immediately when no video sink is configured) and, when
// a video sink exists, always aligns to the committed video segment start
// rather than its own requested time.
func (m *Manager) NotifySeekTarget(kind media.StreamType, to time.Duration) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStreamType, kind)
	}

	m.mu.Lock()
	videoSink := m.slots[media.Video].sink
	audioSink := m.slots[media.Audio].sink
	switch {
	case kind == media.Video && videoSink != nil:
		m.slots[media.Video].targetLocked = true
	case kind == media.Audio && audioSink != nil:
		m.slots[media.Audio].targetLocked = true
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: seek notification for %s", ErrStreamNotConfigured, kind)
	}
	m.mu.Unlock()

	if kind == media.Video {
		start, duration := videoSink.ResolveSegment(to)
		m.mu.Lock()
		m.videoSeekTime = start
		m.mu.Unlock()
		m.log.Debug("video seek segment", "start", start, "end", start+duration)
	}

	m.mu.Lock()
	videoReady := videoSink == nil || m.slots[media.Video].targetLocked
	audioReady := m.slots[media.Audio].targetLocked
	alignTo := to
	if videoSink != nil {
		alignTo = m.videoSeekTime
	}
	m.mu.Unlock()

	if audioSink != nil && audioReady && videoReady {
		start, duration := audioSink.ResolveSegment(alignTo)
		m.log.Debug("audio seek segment", "start", start, "end", start+duration)
	}
	return nil
}

// Tick drives the engine. It computes the buffered horizon shared by all
// configured streams, resolves the seek handshake if one is in flight, and
// otherwise releases every buffered packet that is both inside the
// admission window relative to playback and strictly below the horizon. The
// return value reports whether packets remain buffered, so the caller can
// decide to keep polling.
func (m *Manager) Tick(playback time.Duration) bool {
	m.mu.Lock()

	minBuffered := maxDTS
	for i := range m.slots {
		if m.slots[i].sink != nil && m.slots[i].latestDTS < minBuffered {
			minBuffered = m.slots[i].latestDTS
		}
	}

	if m.seeking {
		m.checkSeekCompletion(minBuffered)
	}

	var out []delivery
	if !m.seeking {
		out = m.drainReady(playback, minBuffered)
	}
	remaining := m.queue.Len()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetBuffered(remaining)
	}
	for _, d := range out {
		d.sink.AcceptPacket(d.pkt)
	}
	return remaining > 0
}

type delivery struct {
	pkt  *media.Packet
	sink Sink
}

// checkSeekCompletion scans the buffer head for the packet that ends the
// in-flight seek: the first keyframe on the leading stream (video when a
// video sink is configured, audio otherwise) with DTS at or below the
// buffered horizon. Non-qualifying entries below the horizon are stale
// pre-keyframe data and are discarded. Called with the lock held.
func (m *Manager) checkSeekCompletion(minBuffered time.Duration) {
	if !m.seeking {
		panic("syncbuf: checkSeekCompletion while not seeking")
	}
	videoPresent := m.slots[media.Video].sink != nil
	audioPresent := m.slots[media.Audio].sink != nil

	for m.queue.Len() > 0 {
		head := m.queue.peek()
		if head.DTS > minBuffered {
			// Not enough data buffered to decide yet.
			return
		}
		leading := (videoPresent && head.Type == media.Video) ||
			(!videoPresent && audioPresent && head.Type == media.Audio)
		if leading && head.Keyframe {
			m.seeking = false
			m.seeksCompleted++
			if m.metrics != nil {
				m.metrics.IncSeeksCompleted()
			}
			m.log.Debug("seek complete",
				"dts", head.DTS, "stream", head.Type, "buffered", m.queue.Len())
			return
		}
		heap.Pop(&m.queue)
		m.flushed++
		if m.metrics != nil {
			m.metrics.AddFlushed(1)
		}
	}
}

// drainReady pops every buffered packet eligible for release: inside the
// admission window relative to playback and strictly below the buffered
// horizon. Deliveries are returned for dispatch after the lock is dropped.
// Called with the lock held.
func (m *Manager) drainReady(playback, minBuffered time.Duration) []delivery {
	if m.seeking {
		panic("syncbuf: drainReady while seeking")
	}
	var out []delivery
	for m.queue.Len() > 0 {
		head := m.queue.peek()
		if head.DTS-playback >= m.window || head.DTS >= minBuffered {
			break
		}
		entry := heap.Pop(&m.queue).(queueEntry)
		sink := m.slots[entry.pkt.Type].sink
		if sink == nil {
			m.log.Error("buffered packet for a stream with no sink", "stream", entry.pkt.Type)
			continue
		}
		out = append(out, delivery{pkt: entry.pkt, sink: sink})
		m.released++
		if m.metrics != nil {
			m.metrics.IncReleased(entry.pkt.Type.String())
		}
	}
	return out
}

// Stats is a point-in-time snapshot of engine state for the debug API.
type Stats struct {
	Buffered       int    `json:"buffered"`
	Seeking        bool   `json:"seeking"`
	Ingested       uint64 `json:"ingested"`
	Released       uint64 `json:"released"`
	DroppedSeeking uint64 `json:"droppedSeeking"`
	Flushed        uint64 `json:"flushed"`
	SeeksStarted   uint64 `json:"seeksStarted"`
	SeeksCompleted uint64 `json:"seeksCompleted"`
	AudioHorizonMs int64  `json:"audioHorizonMs"` // -1 when absent or empty
	VideoHorizonMs int64  `json:"videoHorizonMs"` // -1 when absent or empty
}

// Stats returns a snapshot of counters and per-stream buffered horizons.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Buffered:       m.queue.Len(),
		Seeking:        m.seeking,
		Ingested:       m.ingested,
		Released:       m.released,
		DroppedSeeking: m.droppedSeeking,
		Flushed:        m.flushed,
		SeeksStarted:   m.seeksStarted,
		SeeksCompleted: m.seeksCompleted,
		AudioHorizonMs: horizonMs(m.slots[media.Audio]),
		VideoHorizonMs: horizonMs(m.slots[media.Video]),
	}
}

func horizonMs(s streamSlot) int64 {
	if s.sink == nil || s.latestDTS == minDTS {
		return -1
	}
	return s.latestDTS.Milliseconds()
}
