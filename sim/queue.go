package sim

type evKind uint8

const (
	evTx evKind = iota
	evRx
	evTimeout
)

type event struct {
	at   uint64 // global ticks
	seq  uint64
	kind evKind
	r    *Radio
	gen  uint64

	// evTx, evRx
	frame   []byte
	ranging bool
	w4r     bool
	power   float64
}

// queue is a container/heap ordered by time, then by insertion.
type queue []*event

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x interface{}) { *q = append(*q, x.(*event)) }

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
