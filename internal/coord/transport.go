package coord

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("transport closed")

// Envelope is one received request awaiting an answer. Exactly one of Reply
// or Drop must be called.
type Envelope struct {
	Message Message

	once  sync.Once
	reply func([]byte) error
	drop  func()
}

// NewEnvelope wraps a request for transports implemented outside this
// package.
func NewEnvelope(m Message, reply func([]byte) error, drop func()) *Envelope {
	return &Envelope{Message: m, reply: reply, drop: drop}
}

// Reply answers the request with m.
func (e *Envelope) Reply(m Message) error {
	err := ErrClosed
	e.once.Do(func() { err = e.reply(m.Encode()) })
	return err
}

// Drop discards the request without answering it.
func (e *Envelope) Drop() {
	e.once.Do(func() {
		if e.drop != nil {
			e.drop()
		}
	})
}

// ReplyTransport is the coordinator side of the request/reply channel.
// Several envelopes may be held unanswered at once.
type ReplyTransport interface {
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}

// RequestTransport is the peer side of the request/reply channel.
type RequestTransport interface {
	Request(ctx context.Context, m Message) (Message, error)
	Close() error
}

// Publisher is the coordinator side of the broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// Subscriber is the peer side of the broadcast channel.
type Subscriber interface {
	// Next blocks for the next frame.
	Next(ctx context.Context) ([]byte, error)
	// C exposes queued frames for callers that select on several sources.
	C() <-chan []byte
	Close() error
}

// MemoryHub is an in-process transport connecting one coordinator with any
// number of peers.
type MemoryHub struct {
	requests chan memRequest
	done     chan struct{}
	closeMu  sync.Once

	mu   sync.Mutex
	subs []*memorySub
}

type memRequest struct {
	data  []byte
	reply chan []byte
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		requests: make(chan memRequest),
		done:     make(chan struct{}),
	}
}

// Close shuts every endpoint of the hub.
func (h *MemoryHub) Close() error {
	h.closeMu.Do(func() { close(h.done) })
	return nil
}

// ReplyTransport returns the coordinator endpoint.
func (h *MemoryHub) ReplyTransport() ReplyTransport { return memoryRep{h} }

// RequestTransport returns a new peer endpoint.
func (h *MemoryHub) RequestTransport() RequestTransport { return &memoryReq{hub: h} }

// Publisher returns the broadcast endpoint.
func (h *MemoryHub) Publisher() Publisher { return memoryPub{h} }

// Subscriber attaches a new broadcast listener.
func (h *MemoryHub) Subscriber() Subscriber {
	s := &memorySub{hub: h, ch: make(chan []byte, 256), done: make(chan struct{})}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s
}

type memoryRep struct{ hub *MemoryHub }

func (r memoryRep) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.hub.done:
		return nil, ErrClosed
	case req := <-r.hub.requests:
		m, err := DecodeMessage(req.data)
		if err != nil {
			close(req.reply)
			return nil, err
		}
		return NewEnvelope(m, func(b []byte) error {
			req.reply <- b
			return nil
		}, func() { close(req.reply) }), nil
	}
}

func (r memoryRep) Close() error { return r.hub.Close() }

type memoryReq struct {
	hub *MemoryHub
	mu  sync.Mutex
}

// Request sends m and waits for the answer. A dropped request leaves the
// caller waiting until ctx ends, as on a real socket.
func (r *memoryReq) Request(ctx context.Context, m Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := memRequest{data: m.Encode(), reply: make(chan []byte, 1)}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-r.hub.done:
		return Message{}, ErrClosed
	case r.hub.requests <- req:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-r.hub.done:
		return Message{}, ErrClosed
	case b, ok := <-req.reply:
		if !ok {
			<-ctx.Done()
			return Message{}, ctx.Err()
		}
		return DecodeMessage(b)
	}
}

func (r *memoryReq) Close() error { return nil }

type memoryPub struct{ hub *MemoryHub }

func (p memoryPub) Publish(ctx context.Context, data []byte) error {
	p.hub.mu.Lock()
	subs := append([]*memorySub(nil), p.hub.subs...)
	p.hub.mu.Unlock()
	for _, s := range subs {
		frame := append([]byte(nil), data...)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
		case s.ch <- frame:
		}
	}
	return nil
}

func (p memoryPub) Close() error { return nil }

type memorySub struct {
	hub  *MemoryHub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case b := <-s.ch:
		return b, nil
	}
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		for i, o := range s.hub.subs {
			if o == s {
				s.hub.subs = append(s.hub.subs[:i], s.hub.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
