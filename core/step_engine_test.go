package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/mesh-emulator/ledger"
	"github.com/signalsfoundry/mesh-emulator/model"
)

type call struct {
	Name  string
	Event LinkEvent
}

// fakeBackend records every notification and can fail a chosen one.
type fakeBackend struct {
	mu     sync.Mutex
	calls  []call
	failOn string
	commit int
}

func (b *fakeBackend) record(name string, ev LinkEvent) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{Name: name, Event: ev})
	if name == b.failOn {
		return nil, errors.New("boom")
	}
	return fmt.Sprintf("h-%d", ev.ConnectionID), nil
}

func (b *fakeBackend) BeforeLinkEstablished(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyBeforeLinkEstablished, ev)
}
func (b *fakeBackend) AfterLinkEstablished(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyAfterLinkEstablished, ev)
}
func (b *fakeBackend) BeforeImpair(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyBeforeImpair, ev)
}
func (b *fakeBackend) AfterImpair(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyAfterImpair, ev)
}
func (b *fakeBackend) LinkUp(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyLinkUp, ev)
}
func (b *fakeBackend) LinkDown(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyLinkDown, ev)
}
func (b *fakeBackend) ConnectionAcrossServers(_ context.Context, ev LinkEvent) (Handle, error) {
	return b.record(NotifyConnectionAcrossServers, ev)
}
func (b *fakeBackend) CommitTick(context.Context, int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commit++
	return nil
}

func (b *fakeBackend) take() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.calls
	b.calls = nil
	return out
}

func names(calls []call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Name
	}
	return out
}

var mesh0 = model.Interface{Kind: model.InterfaceMesh}

func newTestEngine(t *testing.T, topo Topology, backend Backend) (*StepEngine, *ledger.Ledger) {
	t.Helper()
	if topo.DefaultInterfaces == nil {
		topo.DefaultInterfaces = []model.Interface{mesh0}
	}
	m, err := NewStepModel(30, 0, nil)
	if err != nil {
		t.Fatalf("NewStepModel: %v", err)
	}
	l := ledger.New(nil)
	e, err := NewStepEngine(StepEngineConfig{Topology: topo, Workers: 4}, l, backend, m)
	if err != nil {
		t.Fatalf("NewStepEngine: %v", err)
	}
	return e, l
}

func matrix(entries ...[3]float64) DistanceMatrix {
	m := NewDistanceMatrix()
	for _, e := range entries {
		m.Set(int(e[0]), int(e[1]), e[2])
	}
	return m
}

func TestStepEngineCreatesConnection(t *testing.T) {
	b := &fakeBackend{}
	e, l := newTestEngine(t, Topology{Nodes: []int{1, 2}}, b)

	res, err := e.Step(context.Background(), matrix([3]float64{1, 2, 5}))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Created != 1 || res.Changed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	want := []string{
		NotifyBeforeLinkEstablished,
		NotifyAfterLinkEstablished,
		NotifyLinkUp,
		NotifyBeforeImpair,
		NotifyAfterImpair,
	}
	got := names(b.take())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}

	recs, err := l.All(ledger.Filter{})
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Connected || rec.Kind != model.ConnectionUser || rec.StepAdded != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if loss, ok := rec.Impairment[model.SettingLoss]; !ok || loss != 0 {
		t.Fatalf("impairment = %v, want loss 0", rec.Impairment)
	}
	if b.commit != 1 {
		t.Fatalf("commits = %d, want 1", b.commit)
	}
}

func TestStepEngineUnchangedTickIsSilent(t *testing.T) {
	b := &fakeBackend{}
	e, _ := newTestEngine(t, Topology{Nodes: []int{1, 2, 3}}, b)
	m := matrix([3]float64{1, 2, 5}, [3]float64{2, 3, 12})

	if _, err := e.Step(context.Background(), m); err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	b.take()
	res, err := e.Step(context.Background(), m.Clone())
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected skipped tick, got %+v", res)
	}
	if calls := b.take(); len(calls) != 0 {
		t.Fatalf("unchanged tick issued %v", names(calls))
	}
	if b.commit != 1 {
		t.Fatalf("skipped tick committed")
	}
	if e.CurrentStep() != 2 {
		t.Fatalf("step = %d, want 2", e.CurrentStep())
	}
}

func TestStepEngineReconnectReusesRecord(t *testing.T) {
	b := &fakeBackend{}
	e, l := newTestEngine(t, Topology{Nodes: []int{1, 2}}, b)
	ctx := context.Background()
	key := model.NewConnectionKey(model.Endpoint{Node: 1, Interface: mesh0}, model.Endpoint{Node: 2, Interface: mesh0})

	if _, err := e.Step(ctx, matrix([3]float64{1, 2, 5})); err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	first, err := l.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b.take()

	res, err := e.Step(ctx, matrix([3]float64{1, 2, 50}))
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if res.Down != 1 {
		t.Fatalf("expected one link down, got %+v", res)
	}
	calls := b.take()
	if len(calls) != 1 || calls[0].Name != NotifyLinkDown {
		t.Fatalf("tick 1 notifications = %v", names(calls))
	}
	if calls[0].Event.Handle != fmt.Sprintf("h-%d", first.ID) {
		t.Fatalf("handle not threaded: %v", calls[0].Event.Handle)
	}
	if st, _ := e.LinkState(key); st != LinkConnectedInactive {
		t.Fatalf("state = %v, want connected-inactive", st)
	}

	res, err = e.Step(ctx, matrix([3]float64{1, 2, 4}))
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if res.Up != 1 || res.Created != 0 {
		t.Fatalf("expected reuse, got %+v", res)
	}
	if got := names(b.take()); len(got) != 1 || got[0] != NotifyLinkUp {
		t.Fatalf("tick 2 notifications = %v", got)
	}
	again, err := l.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.ID != first.ID || !again.Connected || again.Distance != 4 {
		t.Fatalf("record not reused: %+v vs %+v", again, first)
	}
	if st, _ := e.LinkState(key); st != LinkConnectedActive {
		t.Fatalf("state = %v, want connected-active", st)
	}
}

func TestStepEngineReimpairsOnSettingsChange(t *testing.T) {
	b := &fakeBackend{}
	m, err := NewWiFiModel(DefaultWiFiConfig(DecayLinear), nil)
	if err != nil {
		t.Fatalf("NewWiFiModel: %v", err)
	}
	l := ledger.New(nil)
	e, err := NewStepEngine(StepEngineConfig{
		Topology:   Topology{Nodes: []int{1, 2}, DefaultInterfaces: []model.Interface{mesh0}},
		Sequential: true,
	}, l, b, m)
	if err != nil {
		t.Fatalf("NewStepEngine: %v", err)
	}
	ctx := context.Background()
	if _, err := e.Step(ctx, matrix([3]float64{1, 2, 10})); err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	b.take()
	res, err := e.Step(ctx, matrix([3]float64{1, 2, 60}))
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if res.Reimpaired != 1 {
		t.Fatalf("expected re-impair, got %+v", res)
	}
	want := []string{NotifyBeforeImpair, NotifyAfterImpair}
	if got := names(b.take()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	_, s := m.Decide(60)
	recs, _ := l.All(ledger.Filter{})
	if !recs[0].Impairment.Equal(s) {
		t.Fatalf("stored impairment %v, want %v", recs[0].Impairment, s)
	}
}

func TestStepEngineAppliesInitialSettingsOnce(t *testing.T) {
	b := &fakeBackend{}
	m, err := NewStepModel(30, 1000, model.Settings{model.SettingDelay: 7, model.SettingBandwidth: 1})
	if err != nil {
		t.Fatalf("NewStepModel: %v", err)
	}
	e, err := NewStepEngine(StepEngineConfig{
		Topology: Topology{Nodes: []int{1, 2}, DefaultInterfaces: []model.Interface{mesh0}},
	}, ledger.New(nil), b, m)
	if err != nil {
		t.Fatalf("NewStepEngine: %v", err)
	}
	if _, err := e.Step(context.Background(), matrix([3]float64{1, 2, 5})); err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, c := range b.take() {
		if c.Name != NotifyAfterImpair {
			continue
		}
		s := c.Event.Settings
		if s[model.SettingDelay] != 7 || s[model.SettingBandwidth] != 1000 {
			t.Fatalf("first impair settings = %v", s)
		}
	}
}

func TestStepEngineBackendFailureAborts(t *testing.T) {
	b := &fakeBackend{failOn: NotifyLinkUp}
	e, _ := newTestEngine(t, Topology{Nodes: []int{1, 2}}, b)
	ctx := context.Background()

	_, err := e.Step(ctx, matrix([3]float64{1, 2, 5}))
	var nerr *BackendNotificationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected BackendNotificationError, got %v", err)
	}
	if nerr.Notification != NotifyLinkUp || nerr.Step != 0 {
		t.Fatalf("unexpected error detail %+v", nerr)
	}
	if e.CurrentStep() != 0 || e.Previous().Len() != 0 {
		t.Fatalf("failed tick advanced the engine")
	}
	if _, err := e.Step(ctx, matrix([3]float64{1, 2, 5})); !errors.Is(err, ErrEngineAborted) {
		t.Fatalf("expected ErrEngineAborted, got %v", err)
	}
	e.Reset()
	b.failOn = ""
	b.take()
	if _, err := e.Step(ctx, matrix([3]float64{1, 2, 5})); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestStepEngineHubAndManagementLinks(t *testing.T) {
	b := &fakeBackend{}
	e, l := newTestEngine(t, Topology{Nodes: []int{1, 2, 9}, Hubs: []int{9}, Management: true}, b)

	if _, err := e.Step(context.Background(), matrix([3]float64{1, 9, 5})); err != nil {
		t.Fatalf("Step: %v", err)
	}
	hubs, _ := l.All(ledger.Filter{Kind: ledger.Ptr(model.ConnectionCentralHub)})
	if len(hubs) != 2 {
		t.Fatalf("hub links = %d, want 2", len(hubs))
	}
	for _, h := range hubs {
		if h.Distance != 0 || !h.Connected {
			t.Fatalf("hub link %+v", h)
		}
	}
	mgmt, _ := l.All(ledger.Filter{Kind: ledger.Ptr(model.ConnectionManagement)})
	if len(mgmt) != 2 {
		t.Fatalf("management links = %d, want 2", len(mgmt))
	}
	user, _ := l.All(ledger.Filter{Kind: ledger.Ptr(model.ConnectionUser)})
	if len(user) != 0 {
		t.Fatalf("hub pair went through the interface loop: %+v", user)
	}
	for _, c := range b.take() {
		if c.Name == NotifyConnectionAcrossServers {
			t.Fatalf("hub link treated as remote: %+v", c.Event)
		}
	}
}

func TestStepEngineInterfaceMatching(t *testing.T) {
	b := &fakeBackend{}
	topo := Topology{
		Nodes: []int{1, 2},
		Interfaces: map[int][]model.Interface{
			1: {mesh0, {Kind: model.InterfaceMesh, Index: 1}, {Kind: model.InterfaceAdHoc}},
			2: {mesh0, {Kind: model.InterfaceAdHoc}, {Kind: model.InterfaceHub}},
		},
	}
	e, l := newTestEngine(t, topo, b)
	if _, err := e.Step(context.Background(), matrix([3]float64{1, 2, 1})); err != nil {
		t.Fatalf("Step: %v", err)
	}
	recs, _ := l.All(ledger.Filter{})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want mesh0 and adhoc0", len(recs))
	}
}

func TestStepEngineCrossServerLinks(t *testing.T) {
	b := &fakeBackend{}
	topo := Topology{
		Nodes:       []int{1, 2, 3, 4},
		LocalServer: 1,
		NodeServer:  map[int]int{1: 1, 2: 1, 3: 2, 4: 2},
		Tunnels:     map[int]string{1: "10.0.0.1", 2: "10.0.0.2"},
	}
	e, l := newTestEngine(t, topo, b)
	m := matrix([3]float64{1, 2, 1}, [3]float64{2, 3, 1}, [3]float64{3, 4, 1})
	if _, err := e.Step(context.Background(), m); err != nil {
		t.Fatalf("Step: %v", err)
	}
	recs, _ := l.All(ledger.Filter{})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want (1,2) and (2,3)", len(recs))
	}
	var across []call
	for _, c := range b.take() {
		if c.Name == NotifyConnectionAcrossServers {
			across = append(across, c)
		}
	}
	if len(across) != 1 {
		t.Fatalf("across-server notifications = %d, want 1", len(across))
	}
	if ev := across[0].Event; ev.RemoteNode != 3 || ev.RemoteServer != 2 || ev.RemoteAddress != "10.0.0.2" {
		t.Fatalf("unexpected remote %+v", ev)
	}
}

func TestStepEngineHubOnAnotherServer(t *testing.T) {
	base := Topology{
		Nodes:      []int{1, 2, 9},
		Hubs:       []int{9},
		Management: true,
		NodeServer: map[int]int{1: 1, 2: 2, 9: 2},
		Tunnels:    map[int]string{1: "10.0.0.1", 2: "10.0.0.2"},
	}
	hubKey := func(n int) model.ConnectionKey {
		hub := model.Interface{Kind: model.InterfaceHub}
		return model.NewConnectionKey(model.Endpoint{Node: 9, Interface: hub}, model.Endpoint{Node: n, Interface: hub})
	}
	cases := []struct {
		server     int
		hubLinks   int
		remoteNode int
		remoteSrv  int
	}{
		{server: 1, hubLinks: 1, remoteNode: 9, remoteSrv: 2},
		{server: 2, hubLinks: 2, remoteNode: 1, remoteSrv: 1},
	}
	for _, tc := range cases {
		topo := base
		topo.LocalServer = tc.server
		b := &fakeBackend{}
		e, l := newTestEngine(t, topo, b)
		if _, err := e.Step(context.Background(), matrix([3]float64{1, 9, 5})); err != nil {
			t.Fatalf("server %d: Step: %v", tc.server, err)
		}
		hubs, _ := l.All(ledger.Filter{Kind: ledger.Ptr(model.ConnectionCentralHub)})
		if len(hubs) != tc.hubLinks {
			t.Fatalf("server %d: hub links = %d, want %d", tc.server, len(hubs), tc.hubLinks)
		}
		mgmt, _ := l.All(ledger.Filter{Kind: ledger.Ptr(model.ConnectionManagement)})
		if len(mgmt) != 1 {
			t.Fatalf("server %d: management links = %d, want 1", tc.server, len(mgmt))
		}
		var across []call
		for _, c := range b.take() {
			if c.Name == NotifyConnectionAcrossServers {
				across = append(across, c)
			}
		}
		if len(across) != 1 {
			t.Fatalf("server %d: across-server notifications = %d, want 1", tc.server, len(across))
		}
		ev := across[0].Event
		if ev.Key != hubKey(1) || ev.RemoteNode != tc.remoteNode || ev.RemoteServer != tc.remoteSrv || ev.RemoteAddress != base.Tunnels[tc.remoteSrv] {
			t.Fatalf("server %d: unexpected remote %+v", tc.server, ev)
		}
	}
}

func TestStepEngineSnapshotBootReconciles(t *testing.T) {
	l := ledger.New(nil)
	key := model.NewConnectionKey(model.Endpoint{Node: 1, Interface: mesh0}, model.Endpoint{Node: 2, Interface: mesh0})
	if _, err := l.Create(&model.Connection{Key: key, Kind: model.ConnectionUser, Connected: true, Distance: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := &fakeBackend{}
	m, _ := NewStepModel(30, 0, nil)
	e, err := NewStepEngine(StepEngineConfig{
		Topology: Topology{Nodes: []int{1, 2}, DefaultInterfaces: []model.Interface{mesh0}},
	}, l, b, m)
	if err != nil {
		t.Fatalf("NewStepEngine: %v", err)
	}
	res, err := e.Step(context.Background(), NewDistanceMatrix())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Down != 1 {
		t.Fatalf("stale link not torn down: %+v", res)
	}
	if st, _ := e.LinkState(key); st != LinkConnectedInactive {
		t.Fatalf("state = %v", st)
	}
}

func TestStepEngineLinkStateUnknownBeforeFirstTick(t *testing.T) {
	e, _ := newTestEngine(t, Topology{Nodes: []int{1, 2}}, &fakeBackend{})
	key := model.NewConnectionKey(model.Endpoint{Node: 1, Interface: mesh0}, model.Endpoint{Node: 2, Interface: mesh0})
	if st, err := e.LinkState(key); err != nil || st != LinkUnknown {
		t.Fatalf("state = %v, %v", st, err)
	}
	if _, err := e.Step(context.Background(), matrix([3]float64{1, 2, 90})); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if st, _ := e.LinkState(key); st != LinkDisconnected {
		t.Fatalf("state = %v, want disconnected", st)
	}
}
