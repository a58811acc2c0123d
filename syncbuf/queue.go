package syncbuf

import "essync/media"

// queueEntry pairs a buffered packet with its insertion sequence number.
// The total order is (DTS, video before audio, insertion order): at equal
// timestamps the seek-completion scan must see a video keyframe before a
// same-timestamp audio packet, and packets of one stream must keep their
// arrival order.
type queueEntry struct {
	pkt *media.Packet
	seq uint64
}

// packetQueue is a min-heap over queueEntry for container/heap.
type packetQueue []queueEntry

func (q packetQueue) Len() int { return len(q) }

func (q packetQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.pkt.DTS != b.pkt.DTS {
		return a.pkt.DTS < b.pkt.DTS
	}
	if a.pkt.Type != b.pkt.Type {
		return a.pkt.Type == media.Video
	}
	return a.seq < b.seq
}

func (q packetQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *packetQueue) Push(x any) { *q = append(*q, x.(queueEntry)) }

func (q *packetQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{} // drop the packet reference
	*q = old[:n-1]
	return e
}

// peek returns the minimum-order packet without removing it. Callers must
// check Len first.
func (q packetQueue) peek() *media.Packet { return q[0].pkt }
