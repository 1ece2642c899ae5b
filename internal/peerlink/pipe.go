package peerlink

import (
	"fmt"
	"sync"
)

// Pipe is one end of an in-process link. Messages are delivered to the
// other end in order on a dedicated goroutine, and an outbound payload stays
// referenced until the receiver has handled the message.
type Pipe struct {
	mu      sync.Mutex
	name    string
	peer    *Pipe
	handler Handler
	onClose func(error)
	hook    func(*Message) error
	queue   []*Message
	corked  bool
	closed  bool
	sent    map[Kind]int

	wake chan struct{}
	stop chan struct{}
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	a := newPipeEnd("a")
	b := newPipeEnd("b")
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

func newPipeEnd(name string) *Pipe {
	return &Pipe{
		name: name,
		sent: make(map[Kind]int),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// SetHandler implements Link.
func (p *Pipe) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// SetCloseHandler implements Link.
func (p *Pipe) SetCloseHandler(f func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = f
}

// SetSendHook installs a function consulted before every send; a non-nil
// error fails the send as a transport error would.
func (p *Pipe) SetSendHook(f func(*Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = f
}

// Send implements Link.
func (p *Pipe) Send(m *Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		m.Done()
		return ErrClosed
	}
	if p.hook != nil {
		if err := p.hook(m); err != nil {
			p.mu.Unlock()
			m.Done()
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
	p.sent[m.Kind]++
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Sent returns how many messages of kind were accepted for sending.
func (p *Pipe) Sent(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[kind]
}

// Cork holds outbound messages until Uncork.
func (p *Pipe) Cork() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corked = true
}

// Uncork releases held messages.
func (p *Pipe) Uncork() {
	p.mu.Lock()
	p.corked = false
	p.mu.Unlock()
	p.signal()
}

func (p *Pipe) deliver() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if p.corked || len(p.queue) == 0 || p.closed {
				p.mu.Unlock()
				break
			}
			m := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()

			in := *m
			in.Payload = nil
			if b := m.Bytes(); b != nil {
				in.Data = append([]byte(nil), b...)
			}
			in.Digest = append([]byte(nil), m.Digest...)
			in.Generations = append([]uint64(nil), m.Generations...)

			p.peer.mu.Lock()
			h := p.peer.handler
			p.peer.mu.Unlock()
			if h != nil {
				h(&in)
			}
			m.Done()
		}
	}
}

// Close shuts this end down. The other end observes a link failure.
func (p *Pipe) Close() error {
	if !p.shutdown() {
		return nil
	}
	p.peer.fail(ErrClosed)
	return nil
}

// Break fails both ends as a network failure would.
func (p *Pipe) Break(err error) {
	p.fail(err)
	p.peer.fail(err)
}

func (p *Pipe) fail(err error) {
	p.mu.Lock()
	f := p.onClose
	p.mu.Unlock()
	if p.shutdown() && f != nil {
		f(err)
	}
}

func (p *Pipe) shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	rest := p.queue
	p.queue = nil
	p.mu.Unlock()

	close(p.stop)
	for _, m := range rest {
		m.Done()
	}
	return true
}
