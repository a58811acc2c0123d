package demux

import (
	"fmt"
	"time"
)

// pesHeader carries the timestamps parsed from a PES optional header.
type pesHeader struct {
	pts    time.Duration
	dts    time.Duration
	hasPTS bool
	hasDTS bool
}

// parsePES splits a reassembled PES packet into its header timestamps and
// elementary-stream data.
func parsePES(payload []byte) (pesHeader, []byte, error) {
	var hdr pesHeader
	if len(payload) < 9 {
		return hdr, nil, fmt.Errorf("demux: PES packet too short (%d bytes)", len(payload))
	}
	if payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return hdr, nil, fmt.Errorf("demux: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	// Stream IDs without an optional PES header: padding_stream,
	// private_stream_2, ECM, EMM, DSMCC, H.222.1 type E, directory.
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return hdr, nil, fmt.Errorf("demux: stream id 0x%02X carries no timestamps", streamID)
	}

	// payload[7]: PTS_DTS_indicator(2) + flags(6)
	// payload[8]: PES_header_data_length
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			hdr.pts = clock90kToDuration(parseTimestamp(payload[9:14]))
			hdr.hasPTS = true
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			hdr.pts = clock90kToDuration(parseTimestamp(payload[9:14]))
			hdr.dts = clock90kToDuration(parseTimestamp(payload[14:19]))
			hdr.hasPTS = true
			hdr.hasDTS = true
		}
	}

	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	// packetLength 0 means unbounded (video streams).
	dataEnd := len(payload)
	if packetLength > 0 && 6+packetLength < dataEnd {
		dataEnd = 6 + packetLength
	}
	if dataStart > dataEnd {
		dataStart = dataEnd
	}
	return hdr, payload[dataStart:dataEnd], nil
}

// parseTimestamp extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parseTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}

// clock90kToDuration converts a 90 kHz clock value to a duration.
func clock90kToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / 90000
}
