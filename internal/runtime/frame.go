package runtime

import (
	"encoding/json"
	"sync"
)

// Frame types fanned out to clients.
const (
	FrameState         = "state"
	FrameDelta         = "delta"
	FrameHistoryStart  = "historyStart"
	FrameHistoryEnd    = "historyEnd"
	FrameProcessExit   = "processExit"
	FrameSessionClosed = "sessionClosed"
	FrameAskUser       = "askUser"
)

// Frame is one outbound event. Seq is monotonic per session so clients can
// resume from a last-event-id; Folder lets clients discard frames from
// stale bindings after a switch.
type Frame struct {
	Seq    uint64          `json:"seq"`
	Type   string          `json:"type"`
	Folder string          `json:"folder"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Subscriber is one attached transport's receive side. Frames are pushed
// non-blocking; a subscriber that cannot keep up is dropped by the runtime
// rather than blocking the fan-out.
type Subscriber struct {
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	return &Subscriber{frames: make(chan Frame, buffer)}
}

// Frames is the channel the transport drains. It is closed when the
// subscriber is detached or dropped.
func (s *Subscriber) Frames() <-chan Frame { return s.frames }

// push attempts a non-blocking delivery. False means the buffer is full or
// the subscriber is closed.
func (s *Subscriber) push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

// ring retains the most recent outbound frames for reconnect replay.
type ring struct {
	frames []Frame
	max    int
	seq    uint64
}

func newRing(max int) *ring {
	if max <= 0 {
		max = 512
	}
	return &ring{max: max}
}

// next allocates the next monotonic sequence number.
func (r *ring) next() uint64 {
	r.seq++
	return r.seq
}

func (r *ring) append(f Frame) {
	r.frames = append(r.frames, f)
	if len(r.frames) > r.max {
		r.frames = r.frames[len(r.frames)-r.max:]
	}
}

// since returns the frames strictly after seq. The second result is false
// when seq is unknown or already rotated out, in which case the caller must
// rely on the snapshot instead.
func (r *ring) since(seq uint64) ([]Frame, bool) {
	if seq == 0 || seq > r.seq {
		return nil, false
	}
	if len(r.frames) == 0 {
		return nil, seq == r.seq
	}
	if r.frames[0].Seq > seq {
		// The requested position rotated out of retention.
		return nil, false
	}
	for i, f := range r.frames {
		if f.Seq == seq {
			out := make([]Frame, len(r.frames)-i-1)
			copy(out, r.frames[i+1:])
			return out, true
		}
	}
	return nil, false
}
