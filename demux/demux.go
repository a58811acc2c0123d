// Package demux implements a compact MPEG-TS demuxer that turns a transport
// stream into tagged elementary-stream packets: it discovers the first
// program's audio and video PIDs from PAT/PMT, reassembles PES packets on
// payload-unit boundaries, extracts decode timestamps, and flags keyframes.
package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"essync/media"
)

const (
	tsPacketSize = 188
	syncByte     = 0x47
	pidPAT       = 0x0000
)

// EmitFunc receives each demuxed message in stream order. It is invoked on
// the demuxer goroutine.
type EmitFunc func(media.Message)

// codec of an elementary stream, as signaled by the PMT stream_type.
type codec int

const (
	codecAudio codec = iota // AAC, MP3, AC-3: every frame is a sync point
	codecH264
	codecH265
)

type track struct {
	kind  media.StreamType
	codec codec
	pes   []byte // accumulating PES bytes, flushed on the next unit start
}

// Demuxer reads 188-byte transport packets from a reader and emits
// elementary-stream packets through the emit callback. Only the first audio
// and first video stream of the first program are selected.
type Demuxer struct {
	log     *slog.Logger
	r       io.Reader
	emit    EmitFunc
	pmtPIDs map[uint16]bool
	tracks  map[uint16]*track

	haveAudio bool
	haveVideo bool
}

// New creates a Demuxer reading from r. If log is nil, slog.Default() is
// used.
func New(r io.Reader, emit EmitFunc, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:     log.With("component", "demux"),
		r:       r,
		emit:    emit,
		pmtPIDs: make(map[uint16]bool),
		tracks:  make(map[uint16]*track),
	}
}

// Run parses the transport stream until EOF, a read error, or context
// cancellation. At EOF it flushes partially accumulated PES packets and
// emits an end-of-stream message.
func (d *Demuxer) Run(ctx context.Context) error {
	buf := make([]byte, tsPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(d.r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.flushAll()
				d.emit(media.Message{Kind: media.EndOfStream})
				return nil
			}
			return err
		}
		d.handlePacket(buf)
	}
}

func (d *Demuxer) handlePacket(buf []byte) {
	if buf[0] != syncByte {
		return // out of sync, wait for the next aligned packet
	}
	transportError := buf[1]&0x80 != 0
	unitStart := buf[1]&0x40 != 0
	pid := uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAdaptation := buf[3]&0x20 != 0
	hasPayload := buf[3]&0x10 != 0
	if transportError || !hasPayload {
		return
	}

	offset := 4
	if hasAdaptation {
		offset += 1 + int(buf[4])
		if offset >= tsPacketSize {
			return
		}
	}
	payload := buf[offset:]

	switch {
	case pid == pidPAT:
		if unitStart {
			d.handlePAT(payload)
		}
	case d.pmtPIDs[pid]:
		if unitStart {
			d.handlePMT(payload)
		}
	default:
		if tr, ok := d.tracks[pid]; ok {
			d.handleES(tr, unitStart, payload)
		}
	}
}

// handleES accumulates PES bytes for one elementary stream. A payload unit
// start closes the previous PES packet and begins a new one.
func (d *Demuxer) handleES(tr *track, unitStart bool, payload []byte) {
	if unitStart {
		d.flushTrack(tr)
		tr.pes = tr.pes[:0]
	} else if len(tr.pes) == 0 {
		return // continuation without a start, drop until the next PES
	}
	tr.pes = append(tr.pes, payload...)
}

// flushTrack parses the accumulated PES packet for a track and emits it as
// an elementary-stream packet. PES packets without any timestamp are
// dropped; the sync buffer has no ordering key for them.
func (d *Demuxer) flushTrack(tr *track) {
	if len(tr.pes) == 0 {
		return
	}
	hdr, data, err := parsePES(tr.pes)
	if err != nil {
		d.log.Debug("dropping malformed PES", "stream", tr.kind, "error", err)
		return
	}
	if !hdr.hasPTS && !hdr.hasDTS {
		d.log.Debug("dropping PES without timestamp", "stream", tr.kind)
		return
	}

	dts := hdr.dts
	if !hdr.hasDTS {
		dts = hdr.pts
	}
	pts := hdr.pts
	if !hdr.hasPTS {
		pts = dts
	}

	keyframe := true
	kind := media.AudioPacket
	if tr.kind == media.Video {
		kind = media.VideoPacket
		keyframe = containsKeyframe(tr.codec, data)
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	d.emit(media.Message{
		Kind: kind,
		Packet: &media.Packet{
			Type:     tr.kind,
			DTS:      dts,
			PTS:      pts,
			Keyframe: keyframe,
			Payload:  payload,
		},
	})
}

func (d *Demuxer) flushAll() {
	for _, tr := range d.tracks {
		d.flushTrack(tr)
		tr.pes = tr.pes[:0]
	}
}
