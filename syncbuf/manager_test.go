package syncbuf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"essync/media"
)

// recorder captures the global release order across both sinks.
type recorder struct {
	mu   sync.Mutex
	pkts []*media.Packet
}

func (r *recorder) add(p *media.Packet) {
	r.mu.Lock()
	r.pkts = append(r.pkts, p)
	r.mu.Unlock()
}

func (r *recorder) order() []*media.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*media.Packet(nil), r.pkts...)
}

// stubSink is a scripted Sink: fixed segment geometry, switchable
// stream-local seeking flag, and call recording.
type stubSink struct {
	mu       sync.Mutex
	seeking  bool
	segStart time.Duration
	segDur   time.Duration
	resolved []time.Duration
	accepted []*media.Packet
	shared   *recorder
}

func (s *stubSink) Seeking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeking
}

func (s *stubSink) setSeeking(v bool) {
	s.mu.Lock()
	s.seeking = v
	s.mu.Unlock()
}

func (s *stubSink) ResolveSegment(t time.Duration) (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, t)
	if s.segDur == 0 {
		return t, 0
	}
	return s.segStart, s.segDur
}

func (s *stubSink) resolvedTimes() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.resolved...)
}

func (s *stubSink) AcceptPacket(p *media.Packet) {
	s.mu.Lock()
	s.accepted = append(s.accepted, p)
	s.mu.Unlock()
	if s.shared != nil {
		s.shared.add(p)
	}
}

func (s *stubSink) acceptedPackets() []*media.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Packet(nil), s.accepted...)
}

func sec(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func audioMsg(dts time.Duration, keyframe bool) media.Message {
	return media.Message{
		Kind:   media.AudioPacket,
		Packet: &media.Packet{DTS: dts, Keyframe: keyframe, Payload: []byte{0x01}},
	}
}

func videoMsg(dts time.Duration, keyframe bool) media.Message {
	return media.Message{
		Kind:   media.VideoPacket,
		Packet: &media.Packet{DTS: dts, Keyframe: keyframe, Payload: []byte{0x02}},
	}
}

func mustSubmit(t *testing.T, m *Manager, msg media.Message) {
	t.Helper()
	if err := m.Submit(msg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitRejectsUnconfiguredStream(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.ConfigureStream(media.Audio, &stubSink{}); err != nil {
		t.Fatalf("ConfigureStream: %v", err)
	}

	err := m.Submit(videoMsg(sec(1), true))
	if !errors.Is(err, ErrStreamNotConfigured) {
		t.Fatalf("expected ErrStreamNotConfigured, got %v", err)
	}
	if st := m.Stats(); st.Buffered != 0 {
		t.Errorf("Buffered: got %d, want 0", st.Buffered)
	}
}

func TestSubmitUnsupportedMessageKind(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	err := m.Submit(media.Message{Kind: media.Unsupported})
	if !errors.Is(err, ErrUnsupportedMessage) {
		t.Fatalf("expected ErrUnsupportedMessage, got %v", err)
	}
}

func TestSubmitEndOfStreamIsNoOp(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Submit(media.Message{Kind: media.EndOfStream}); err != nil {
		t.Fatalf("Submit EOS: %v", err)
	}
	if st := m.Stats(); st.Buffered != 0 || st.Ingested != 0 {
		t.Errorf("unexpected mutation: %+v", st)
	}
}

func TestSubmitDropsWhileSinkRepositioning(t *testing.T) {
	t.Parallel()

	sink := &stubSink{seeking: true}
	m := NewManager(nil)
	if err := m.ConfigureStream(media.Audio, sink); err != nil {
		t.Fatalf("ConfigureStream: %v", err)
	}

	if err := m.Submit(audioMsg(sec(1), true)); err != nil {
		t.Fatalf("Submit while sink seeking should drop silently, got %v", err)
	}
	st := m.Stats()
	if st.Buffered != 0 {
		t.Errorf("Buffered: got %d, want 0", st.Buffered)
	}
	if st.DroppedSeeking != 1 {
		t.Errorf("DroppedSeeking: got %d, want 1", st.DroppedSeeking)
	}

	sink.setSeeking(false)
	mustSubmit(t, m, audioMsg(sec(1), true))
	if st := m.Stats(); st.Buffered != 1 {
		t.Errorf("Buffered after sink ready: got %d, want 1", st.Buffered)
	}
}

func TestTickReleasesInDecodeOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	audio := &stubSink{shared: rec}
	video := &stubSink{shared: rec}
	m := NewManager(nil)
	if err := m.ConfigureStream(media.Audio, audio); err != nil {
		t.Fatalf("ConfigureStream: %v", err)
	}
	if err := m.ConfigureStream(media.Video, video); err != nil {
		t.Fatalf("ConfigureStream: %v", err)
	}

	// Interleave submissions so heap order, not arrival order, decides.
	mustSubmit(t, m, videoMsg(sec(0.5), true))
	mustSubmit(t, m, audioMsg(sec(0), true))
	mustSubmit(t, m, videoMsg(sec(1.5), false))
	mustSubmit(t, m, audioMsg(sec(1), true))
	mustSubmit(t, m, audioMsg(sec(2), true))
	mustSubmit(t, m, videoMsg(sec(2.5), false))

	// Horizon = min(latest audio 2.0, latest video 2.5) = 2.0; everything
	// strictly below it and within the window from playback 0 is released.
	m.Tick(0)

	got := rec.order()
	want := []time.Duration{sec(0), sec(0.5), sec(1), sec(1.5)}
	if len(got) != len(want) {
		t.Fatalf("released %d packets, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.DTS != want[i] {
			t.Errorf("release[%d]: got DTS %v, want %v", i, p.DTS, want[i])
		}
	}
}

func TestTickTieBreakPrefersVideo(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	audio := &stubSink{shared: rec}
	video := &stubSink{shared: rec}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)
	m.ConfigureStream(media.Video, video)

	mustSubmit(t, m, audioMsg(sec(1), true))
	mustSubmit(t, m, videoMsg(sec(1), true))
	// Raise the horizon past the tied entries.
	mustSubmit(t, m, audioMsg(sec(2), true))
	mustSubmit(t, m, videoMsg(sec(2), false))

	m.Tick(0)

	got := rec.order()
	if len(got) != 2 {
		t.Fatalf("released %d packets, want 2", len(got))
	}
	if got[0].Type != media.Video || got[1].Type != media.Audio {
		t.Errorf("tie-break order: got %v then %v, want video then audio", got[0].Type, got[1].Type)
	}
}

func TestAdmissionWindowBound(t *testing.T) {
	t.Parallel()

	audio := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)

	mustSubmit(t, m, audioMsg(sec(5), true))
	mustSubmit(t, m, audioMsg(sec(10), true)) // horizon = 10s

	// 5.0 - 0.0 = 5.0 >= window (4s): outside the lookahead, not released.
	m.Tick(0)
	if got := len(audio.acceptedPackets()); got != 0 {
		t.Fatalf("released %d packets at playback 0, want 0", got)
	}

	// 5.0 - 1.5 = 3.5 < 4.0 and 5.0 < 10.0: released. The 10s entry sits at
	// the horizon and stays buffered.
	if still := m.Tick(sec(1.5)); !still {
		t.Error("Tick: want buffer still non-empty")
	}
	got := audio.acceptedPackets()
	if len(got) != 1 || got[0].DTS != sec(5) {
		t.Fatalf("released %v, want exactly the 5s packet", got)
	}
}

func TestPrepareSeekDiscardsBuffer(t *testing.T) {
	t.Parallel()

	audio := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)

	mustSubmit(t, m, audioMsg(sec(1), true))
	mustSubmit(t, m, audioMsg(sec(2), true))

	m.PrepareSeek(sec(10))

	st := m.Stats()
	if st.Buffered != 0 {
		t.Errorf("Buffered after PrepareSeek: got %d, want 0", st.Buffered)
	}
	if !st.Seeking {
		t.Error("Seeking: got false, want true")
	}
	if st.Flushed != 2 {
		t.Errorf("Flushed: got %d, want 2", st.Flushed)
	}

	// Nothing qualifies yet: tick must release nothing and stay seeking.
	m.Tick(sec(10))
	if got := len(audio.acceptedPackets()); got != 0 {
		t.Errorf("released %d packets while seeking, want 0", got)
	}
	if !m.Stats().Seeking {
		t.Error("seek completed without a qualifying keyframe")
	}
}

func TestVideoLeadsAudioSeekAlignment(t *testing.T) {
	t.Parallel()

	audio := &stubSink{segStart: sec(8), segDur: sec(4)}
	video := &stubSink{segStart: sec(8), segDur: sec(4)}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)
	m.ConfigureStream(media.Video, video)

	m.PrepareSeek(sec(10))

	// Audio reports ready first: its segment must not resolve yet.
	if err := m.NotifySeekTarget(media.Audio, sec(10)); err != nil {
		t.Fatalf("NotifySeekTarget audio: %v", err)
	}
	if got := audio.resolvedTimes(); len(got) != 0 {
		t.Fatalf("audio resolved before video committed: %v", got)
	}

	// Video resolves 10s into segment [8s, 12s); audio then aligns to 8s,
	// never to its own requested 10s.
	if err := m.NotifySeekTarget(media.Video, sec(10)); err != nil {
		t.Fatalf("NotifySeekTarget video: %v", err)
	}
	if got := video.resolvedTimes(); len(got) != 1 || got[0] != sec(10) {
		t.Errorf("video resolved times: got %v, want [10s]", got)
	}
	if got := audio.resolvedTimes(); len(got) != 1 || got[0] != sec(8) {
		t.Errorf("audio resolved times: got %v, want [8s]", got)
	}
}

func TestAudioOnlySeekUsesRequestedTime(t *testing.T) {
	t.Parallel()

	audio := &stubSink{segStart: sec(10), segDur: sec(4)}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)

	m.PrepareSeek(sec(10))
	if err := m.NotifySeekTarget(media.Audio, sec(10)); err != nil {
		t.Fatalf("NotifySeekTarget: %v", err)
	}
	if got := audio.resolvedTimes(); len(got) != 1 || got[0] != sec(10) {
		t.Errorf("audio resolved times: got %v, want [10s]", got)
	}
}

func TestNotifySeekTargetUnconfiguredStream(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	m.ConfigureStream(media.Audio, &stubSink{})

	err := m.NotifySeekTarget(media.Video, sec(5))
	if !errors.Is(err, ErrStreamNotConfigured) {
		t.Fatalf("expected ErrStreamNotConfigured, got %v", err)
	}
}

func TestSeekCompletesAtVideoKeyframe(t *testing.T) {
	t.Parallel()

	audio := &stubSink{}
	video := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)
	m.ConfigureStream(media.Video, video)

	m.PrepareSeek(sec(5))
	mustSubmit(t, m, videoMsg(sec(5), false))
	mustSubmit(t, m, videoMsg(sec(6), true))
	mustSubmit(t, m, audioMsg(sec(6), true)) // horizon = min(6, 6) = 6

	still := m.Tick(sec(5))
	if !still {
		t.Error("Tick: want buffer still non-empty")
	}

	st := m.Stats()
	if st.Seeking {
		t.Error("seek did not complete at the 6s keyframe")
	}
	// The non-keyframe 5s entry is discarded; the keyframe and the audio
	// packet stay buffered (both sit at the horizon, so none release yet).
	if st.Buffered != 2 {
		t.Errorf("Buffered: got %d, want 2", st.Buffered)
	}
	if st.Flushed != 1 {
		t.Errorf("Flushed: got %d, want 1", st.Flushed)
	}
	if got := len(video.acceptedPackets()); got != 0 {
		t.Errorf("released %d video packets during completion tick, want 0", got)
	}
}

func TestSeekCompletionWaitsForHorizon(t *testing.T) {
	t.Parallel()

	video := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Video, video)

	m.PrepareSeek(sec(5))
	mustSubmit(t, m, videoMsg(sec(7), true))

	// Horizon is 7s; the keyframe sits exactly at it, so it qualifies.
	// But first check the deferred case with a horizon behind the entry:
	// rewind by submitting nothing more for audio is impossible here, so
	// exercise it with a fresh manager below.
	m.Tick(sec(5))
	if m.Stats().Seeking {
		t.Error("video-only seek should complete at a keyframe on the horizon")
	}

	m2 := NewManager(nil)
	audio := &stubSink{}
	m2.ConfigureStream(media.Video, video)
	m2.ConfigureStream(media.Audio, audio)
	m2.PrepareSeek(sec(5))
	mustSubmit(t, m2, videoMsg(sec(7), true))
	// No audio packet yet: the shared horizon is still unset, so the
	// completion scan cannot decide.
	m2.Tick(sec(5))
	if !m2.Stats().Seeking {
		t.Error("seek completed before both streams buffered data")
	}
}

func TestAudioOnlySeekCompletion(t *testing.T) {
	t.Parallel()

	audio := &stubSink{segStart: sec(10), segDur: sec(4)}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)

	m.PrepareSeek(sec(10))
	if err := m.NotifySeekTarget(media.Audio, sec(10)); err != nil {
		t.Fatalf("NotifySeekTarget: %v", err)
	}

	mustSubmit(t, m, audioMsg(sec(10), true))

	// Horizon = 10s: the keyframe at 10s qualifies and the seek completes,
	// leaving the packet buffered. It sits at the horizon so it is not
	// released until a later packet raises the horizon.
	still := m.Tick(sec(10))
	if !still {
		t.Error("Tick: want buffer still non-empty after completion")
	}
	st := m.Stats()
	if st.Seeking {
		t.Error("audio-only seek did not complete at the keyframe")
	}
	if got := len(audio.acceptedPackets()); got != 0 {
		t.Errorf("released %d packets at the horizon, want 0", got)
	}

	mustSubmit(t, m, audioMsg(sec(10.02), true))
	m.Tick(sec(10))
	got := audio.acceptedPackets()
	if len(got) != 1 || got[0].DTS != sec(10) {
		t.Fatalf("released %v, want exactly the 10s packet", got)
	}
}

func TestNonKeyframesDiscardedDuringSeek(t *testing.T) {
	t.Parallel()

	video := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Video, video)

	m.PrepareSeek(sec(0))
	mustSubmit(t, m, videoMsg(sec(1), false))
	mustSubmit(t, m, videoMsg(sec(2), false))
	mustSubmit(t, m, videoMsg(sec(3), true))

	m.Tick(0)

	st := m.Stats()
	if st.Seeking {
		t.Error("seek did not complete at the 3s keyframe")
	}
	if st.Flushed != 2 {
		t.Errorf("Flushed: got %d, want 2", st.Flushed)
	}
	if st.Buffered != 1 {
		t.Errorf("Buffered: got %d, want 1", st.Buffered)
	}
}

func TestAudioKeyframeIgnoredWhenVideoPresent(t *testing.T) {
	t.Parallel()

	audio := &stubSink{}
	video := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)
	m.ConfigureStream(media.Video, video)

	m.PrepareSeek(sec(0))
	mustSubmit(t, m, audioMsg(sec(1), true))
	mustSubmit(t, m, videoMsg(sec(2), false))

	m.Tick(0)

	st := m.Stats()
	if !st.Seeking {
		t.Error("audio keyframe must not complete a seek while video is configured")
	}
	// The audio entry sat below the horizon without qualifying and was
	// discarded; the video entry is beyond the horizon and stays buffered.
	if st.Buffered != 1 {
		t.Errorf("Buffered: got %d, want 1", st.Buffered)
	}
	if st.Flushed != 1 {
		t.Errorf("Flushed: got %d, want 1", st.Flushed)
	}
}

func TestTickReportsPendingWork(t *testing.T) {
	t.Parallel()

	audio := &stubSink{}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)

	if still := m.Tick(0); still {
		t.Error("empty buffer: Tick should report no pending work")
	}

	mustSubmit(t, m, audioMsg(sec(1), true))
	if still := m.Tick(0); !still {
		t.Error("entry at the horizon stays buffered: Tick should report pending work")
	}
}

func TestConfigureStreamInvalidKind(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.ConfigureStream(media.StreamTypeCount, &stubSink{}); !errors.Is(err, ErrInvalidStreamType) {
		t.Fatalf("expected ErrInvalidStreamType, got %v", err)
	}
}

func TestConcurrentSubmitAndTick(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	audio := &stubSink{shared: rec}
	video := &stubSink{shared: rec}
	m := NewManager(nil)
	m.ConfigureStream(media.Audio, audio)
	m.ConfigureStream(media.Video, video)

	const n = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m.Submit(audioMsg(time.Duration(i)*10*time.Millisecond, true))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m.Submit(videoMsg(time.Duration(i)*10*time.Millisecond, i%30 == 0))
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		m.Tick(sec(100))
		select {
		case <-done:
			m.Tick(sec(100))
			// Released packets must be globally ordered by DTS.
			prev := time.Duration(-1)
			for i, p := range rec.order() {
				if p.DTS < prev {
					t.Fatalf("release[%d]: DTS %v before %v", i, p.DTS, prev)
				}
				prev = p.DTS
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
