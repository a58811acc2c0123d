package demux

// H.264 IDR slice NAL type.
const nalTypeIDR = 5

// H.265 IRAP NAL type range: BLA_W_LP (16) through CRA_NUT (21).
const (
	nalTypeIRAPFirst = 16
	nalTypeIRAPLast  = 21
)

// containsKeyframe reports whether an H.264/H.265 access unit contains a
// random-access point, scanning Annex B start codes (00 00 01 and
// 00 00 00 01).
func containsKeyframe(c codec, au []byte) bool {
	for i := 0; i+3 < len(au); i++ {
		if au[i] != 0x00 || au[i+1] != 0x00 {
			continue
		}
		var start int
		switch {
		case au[i+2] == 0x01:
			start = i + 3
		case au[i+2] == 0x00 && au[i+3] == 0x01:
			start = i + 4
		default:
			continue
		}
		if start >= len(au) {
			return false
		}

		switch c {
		case codecH264:
			if au[start]&0x1F == nalTypeIDR {
				return true
			}
		case codecH265:
			nalType := (au[start] >> 1) & 0x3F
			if nalType >= nalTypeIRAPFirst && nalType <= nalTypeIRAPLast {
				return true
			}
		}
		i = start - 1
	}
	return false
}
