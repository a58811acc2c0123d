package demux

import "essync/media"

// PMT stream_type values this demuxer understands.
const (
	streamTypeMP2Audio  = 0x03
	streamTypeMP3Audio  = 0x04
	streamTypeADTSAudio = 0x0F
	streamTypeLATMAudio = 0x11
	streamTypeH264      = 0x1B
	streamTypeH265      = 0x24
	streamTypeAC3       = 0x81
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// section extracts the first PSI section from a unit-start payload,
// validating the pointer field, table id, and section length. Returns nil
// when the payload does not carry the expected table.
func section(payload []byte, tableID byte) []byte {
	if len(payload) < 1 {
		return nil
	}
	offset := 1 + int(payload[0]) // pointer_field
	if offset+3 > len(payload) {
		return nil
	}
	if payload[offset] != tableID {
		return nil
	}
	// section_syntax_indicator must be set for PAT/PMT.
	if payload[offset+1]&0x80 == 0 {
		return nil
	}
	length := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
	end := offset + 3 + length
	if end > len(payload) {
		return nil
	}
	return payload[offset:end]
}

// handlePAT records the PMT PIDs of all announced programs.
func (d *Demuxer) handlePAT(payload []byte) {
	data := section(payload, tableIDPAT)
	if data == nil || len(data) < 12 { // 8 header + 4 CRC minimum
		return
	}
	// Program entries are 4 bytes each, between the 8-byte header and the
	// trailing CRC32.
	for i := 8; i+4 <= len(data)-4; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		if programNumber == 0 {
			continue // NIT PID
		}
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if !d.pmtPIDs[pmtPID] {
			d.pmtPIDs[pmtPID] = true
			d.log.Debug("program discovered", "program", programNumber, "pmt_pid", pmtPID)
		}
	}
}

// handlePMT selects the first audio and first video elementary stream of
// the program and registers their PIDs for PES reassembly.
func (d *Demuxer) handlePMT(payload []byte) {
	data := section(payload, tableIDPMT)
	if data == nil || len(data) < 16 { // 12 header + 4 CRC minimum
		return
	}
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	for offset+5 <= len(data)-4 {
		streamType := data[offset]
		pid := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		offset += 5 + esInfoLength

		if _, known := d.tracks[pid]; known {
			continue
		}
		switch streamType {
		case streamTypeH264:
			d.addTrack(pid, media.Video, codecH264, streamType)
		case streamTypeH265:
			d.addTrack(pid, media.Video, codecH265, streamType)
		case streamTypeMP2Audio, streamTypeMP3Audio, streamTypeADTSAudio,
			streamTypeLATMAudio, streamTypeAC3:
			d.addTrack(pid, media.Audio, codecAudio, streamType)
		default:
			d.log.Debug("ignoring elementary stream", "pid", pid, "stream_type", streamType)
		}
	}
}

func (d *Demuxer) addTrack(pid uint16, kind media.StreamType, c codec, streamType byte) {
	if kind == media.Audio && d.haveAudio {
		return
	}
	if kind == media.Video && d.haveVideo {
		return
	}
	d.tracks[pid] = &track{kind: kind, codec: c}
	if kind == media.Audio {
		d.haveAudio = true
	} else {
		d.haveVideo = true
	}
	d.log.Info("track selected", "pid", pid, "stream", kind, "stream_type", streamType)
}
