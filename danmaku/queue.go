package danmaku

import "sync"

type opKind int

const (
	opJoin opKind = iota + 1
	opLeave
	opReconnect
)

func (k opKind) String() string {
	switch k {
	case opJoin:
		return "join"
	case opLeave:
		return "leave"
	case opReconnect:
		return "reconnect"
	}
	return "unknown"
}

type roomOp struct {
	kind   opKind
	roomID int64
}

// opQueue is an unbounded FIFO of room operations with a level-triggered wakeup.
// push never blocks.
type opQueue struct {
	mu      sync.Mutex
	pending []roomOp
	signal  chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{signal: make(chan struct{}, 1)}
}

func (q *opQueue) push(op roomOp) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready fires after at least one push since the last drain.
func (q *opQueue) ready() <-chan struct{} { return q.signal }

func (q *opQueue) drain() []roomOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// reset discards pending operations. Called when a fresh connection is up: the room
// manager re-issues joins for every subscribed room.
func (q *opQueue) reset() {
	q.drain()
	select {
	case <-q.signal:
	default:
	}
}
