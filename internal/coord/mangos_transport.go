package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports (tcp, ipc, inproc, ws, tls+tcp).
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// pollInterval bounds how long a blocking socket call waits before it
// re-checks its context.
const pollInterval = 100 * time.Millisecond

// MangosRep serves the coordinator's request/reply channel. Each Recv uses
// its own socket context so replies can be held back for a barrier.
type MangosRep struct {
	sock mangos.Socket

	mu   sync.Mutex
	idle []mangos.Context
}

// ListenRep binds a rep socket on url, e.g. "tcp://0.0.0.0:9000".
func ListenRep(url string) (*MangosRep, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new rep socket: %w", err)
	}
	if err := sock.Listen(url); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen %s: %w", url, err)
	}
	return &MangosRep{sock: sock}, nil
}

func (r *MangosRep) context() (mangos.Context, error) {
	r.mu.Lock()
	if n := len(r.idle); n > 0 {
		c := r.idle[n-1]
		r.idle = r.idle[:n-1]
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()
	c, err := r.sock.OpenContext()
	if err != nil {
		return nil, err
	}
	if err := c.SetOption(mangos.OptionRecvDeadline, pollInterval); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (r *MangosRep) release(c mangos.Context) {
	r.mu.Lock()
	r.idle = append(r.idle, c)
	r.mu.Unlock()
}

// Recv waits for the next well-formed request. Malformed frames are
// discarded.
func (r *MangosRep) Recv(ctx context.Context) (*Envelope, error) {
	c, err := r.context()
	if err != nil {
		return nil, fmt.Errorf("open rep context: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			r.release(c)
			return nil, err
		}
		data, err := c.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			continue
		}
		if err != nil {
			_ = c.Close()
			if errors.Is(err, mangos.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		m, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		return NewEnvelope(m, func(b []byte) error {
			defer r.release(c)
			return c.Send(b)
		}, func() { r.release(c) }), nil
	}
}

func (r *MangosRep) Close() error { return r.sock.Close() }

// MangosReq is a peer's request socket.
type MangosReq struct {
	sock mangos.Socket
}

// DialReq connects to the coordinator at url. The dial completes in the
// background so peers may start before the coordinator. Resends are
// disabled: a barrier may hold a request for as long as it takes.
func DialReq(url string) (*MangosReq, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new req socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRetryTime, time.Duration(0)); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.DialOptions(url, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &MangosReq{sock: sock}, nil
}

// Request sends m on a fresh socket context and waits for the reply until
// ctx ends.
func (r *MangosReq) Request(ctx context.Context, m Message) (Message, error) {
	mc, err := r.sock.OpenContext()
	if err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, fmt.Errorf("open req context: %w", err)
	}
	defer mc.Close()
	if err := mc.Send(m.Encode()); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", m.State, err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := mc.Recv()
		done <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		_ = mc.Close()
		<-done
		return Message{}, ctx.Err()
	case res := <-done:
		if errors.Is(res.err, mangos.ErrClosed) {
			return Message{}, ErrClosed
		}
		if res.err != nil {
			return Message{}, res.err
		}
		return DecodeMessage(res.data)
	}
}

func (r *MangosReq) Close() error { return r.sock.Close() }

// MangosPub publishes broadcast frames.
type MangosPub struct {
	sock mangos.Socket
}

// ListenPub binds a pub socket on url.
func ListenPub(url string) (*MangosPub, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new pub socket: %w", err)
	}
	if err := sock.Listen(url); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen %s: %w", url, err)
	}
	return &MangosPub{sock: sock}, nil
}

func (p *MangosPub) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.sock.Send(data)
}

func (p *MangosPub) Close() error { return p.sock.Close() }

// MangosSub receives broadcast frames on a background goroutine so callers
// can select on them.
type MangosSub struct {
	sock mangos.Socket
	ch   chan []byte
	done chan struct{}
	quit chan struct{}
	once sync.Once
}

// DialSub subscribes to every frame published at url.
func DialSub(url string) (*MangosSub, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new sub socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.DialOptions(url, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &MangosSub{sock: sock, ch: make(chan []byte, 256), done: make(chan struct{}), quit: make(chan struct{})}
	go s.pump()
	return s, nil
}

func (s *MangosSub) pump() {
	defer close(s.done)
	for {
		data, err := s.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			continue
		}
		select {
		case s.ch <- data:
		case <-s.quit:
			return
		}
	}
}

func (s *MangosSub) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case b := <-s.ch:
		return b, nil
	}
}

func (s *MangosSub) C() <-chan []byte { return s.ch }

func (s *MangosSub) Close() error {
	s.once.Do(func() { close(s.quit) })
	return s.sock.Close()
}
