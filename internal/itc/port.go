package itc

import "sync"

// mailbox is an unbounded FIFO of frames. Posting never blocks, so a slow
// reader cannot stall the writer's goroutine.
type mailbox struct {
	mu     sync.Mutex
	frames [][]byte
	signal chan struct{} // capacity 1; pinged when frames are added or on close
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMessagePortClosed
	}
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
	m.ping()
	return nil
}

func (m *mailbox) ping() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.ping()
}

// next blocks until a frame is available. Frames queued before close are
// still returned; once drained, next reports ErrMessagePortClosed.
func (m *mailbox) next() ([]byte, error) {
	for {
		m.mu.Lock()
		if len(m.frames) > 0 {
			f := m.frames[0]
			m.frames[0] = nil
			m.frames = m.frames[1:]
			m.mu.Unlock()
			return f, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrMessagePortClosed
		}
		<-m.signal
	}
}

// Port is one end of a bidirectional message pipe. Frames posted on one end
// are received, in order, on the other. Ports move opaque byte frames only;
// nothing is shared between the two ends.
type Port struct {
	in   *mailbox
	out  *mailbox
	once *sync.Once
}

// NewPortPair returns two connected ends.
func NewPortPair() (*Port, *Port) {
	a, b := newMailbox(), newMailbox()
	once := &sync.Once{}
	return &Port{in: a, out: b, once: once}, &Port{in: b, out: a, once: once}
}

// Post queues frame for the peer.
func (p *Port) Post(frame []byte) error {
	return p.out.push(frame)
}

// Next returns the next frame sent by the peer.
func (p *Port) Next() ([]byte, error) {
	return p.in.next()
}

// Close shuts both ends. Frames already posted remain readable.
func (p *Port) Close() error {
	p.once.Do(func() {
		p.in.close()
		p.out.close()
	})
	return nil
}
