package tdma

// outbound is a queued upper-layer frame.
type outbound struct {
	dest    uint8
	payload []byte
}

// sendQueue is a FIFO with byte accounting against a fixed limit.
type sendQueue struct {
	frames   []outbound
	size     int
	max      int
	overflow bool
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max}
}

// push queues f unless it would exceed the limit, in which case the queue is
// left unchanged and the overflow flag is set.
func (q *sendQueue) push(f outbound) error {
	if q.size+len(f.payload) > q.max {
		q.overflow = true
		return ErrSendBufferOverflow
	}
	q.frames = append(q.frames, f)
	q.size += len(f.payload)
	q.overflow = false
	return nil
}

func (q *sendQueue) front() (outbound, bool) {
	if len(q.frames) == 0 {
		return outbound{}, false
	}
	return q.frames[0], true
}

func (q *sendQueue) pop() {
	if len(q.frames) == 0 {
		return
	}
	q.size -= len(q.frames[0].payload)
	q.frames[0] = outbound{}
	q.frames = q.frames[1:]
}

func (q *sendQueue) len() int {
	return len(q.frames)
}
