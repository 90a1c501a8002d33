package backend

import (
	"context"
	"sync"

	"github.com/signalsfoundry/mesh-emulator/core"
)

// Notification is one call seen by a Recorder.
type Notification struct {
	Name  string
	Event core.LinkEvent
}

// Recorder is an in-memory backend that remembers every notification and
// tick commit. It is used by scenario tests.
type Recorder struct {
	mu      sync.Mutex
	calls   []Notification
	commits []int
}

func (r *Recorder) note(name string, ev core.LinkEvent) (core.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Notification{Name: name, Event: ev})
	return nil, nil
}

// Calls returns a copy of the recorded notifications.
func (r *Recorder) Calls() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.calls...)
}

// Count returns how many notifications named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Commits returns the steps CommitTick was called for.
func (r *Recorder) Commits() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.commits...)
}

func (r *Recorder) CommitTick(_ context.Context, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, step)
	return nil
}

func (r *Recorder) BeforeLinkEstablished(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyBeforeLinkEstablished, ev)
}
func (r *Recorder) AfterLinkEstablished(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyAfterLinkEstablished, ev)
}
func (r *Recorder) BeforeImpair(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyBeforeImpair, ev)
}
func (r *Recorder) AfterImpair(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyAfterImpair, ev)
}
func (r *Recorder) LinkUp(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyLinkUp, ev)
}
func (r *Recorder) LinkDown(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyLinkDown, ev)
}
func (r *Recorder) ConnectionAcrossServers(_ context.Context, ev core.LinkEvent) (core.Handle, error) {
	return r.note(core.NotifyConnectionAcrossServers, ev)
}
