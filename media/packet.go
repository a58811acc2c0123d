// Package media defines the elementary-stream packet types that flow from
// the demuxer through the sync engine to per-stream sinks.
package media

import "time"

// StreamType identifies which elementary stream a packet belongs to. The
// set is fixed: a playback session carries at most one audio and one video
// stream.
type StreamType int

const (
	Audio StreamType = iota
	Video

	// StreamTypeCount sizes per-stream state tables.
	StreamTypeCount
)

// Valid reports whether t names one of the defined stream kinds.
func (t StreamType) Valid() bool {
	return t >= Audio && t < StreamTypeCount
}

func (t StreamType) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// MessageKind tags a demuxer message.
type MessageKind int

const (
	EndOfStream MessageKind = iota
	AudioPacket
	VideoPacket
	Unsupported
)

// Packet is one demuxed elementary-stream access unit. DTS is the decode
// timestamp relative to stream start and is the global ordering key across
// both streams. Payload is exclusively owned: it is transferred (never
// copied) into the sync buffer and out to a sink exactly once.
type Packet struct {
	Type     StreamType
	DTS      time.Duration
	PTS      time.Duration
	Keyframe bool
	Payload  []byte
}

// Message is the unit the demuxer hands to the sync engine: a control event
// or a packet arrival. Packet is non-nil only for AudioPacket and
// VideoPacket kinds.
type Message struct {
	Kind   MessageKind
	Packet *Packet
}
