package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/monitor"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

type fakeService struct {
	startErr error
	stopErr  error
}

func (s *fakeService) Start(ctx context.Context) error { return s.startErr }
func (s *fakeService) Stop(ctx context.Context) error  { return s.stopErr }

type fakeLoop struct {
	runErr error
	block  bool
}

func (s *fakeLoop) Run(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.runErr
}

func testContext(t *testing.T, defs ...service.Definition) (*runtime.Context, *bus.Memory) {
	t.Helper()
	reg := service.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mem := bus.NewMemory()
	pctx := runtime.New(zerolog.Nop())
	pctx.InitWithBus(mem, config.NewResolver(zerolog.Nop()), reg)
	return pctx, mem
}

func entry(serviceType, variant string) config.ServiceEntry {
	return config.ServiceEntry{
		Type:    serviceType,
		Variant: variant,
		Restart: config.RestartNo,
		Fields:  map[string]any{},
	}
}

func quietMonitor() Options {
	return Options{MonitorOpts: []monitor.BusOption{
		monitor.WithHeartbeatPeriod(time.Hour),
		monitor.WithHealthcheckPeriod(time.Hour),
	}}
}

func registryEvents(t *testing.T, mem *bus.Memory) []protocol.RegistryEvent {
	t.Helper()
	var events []protocol.RegistryEvent
	for _, raw := range mem.Messages(bus.StreamRegistry) {
		var ev protocol.RegistryEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode registry event: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func eventNames(events []protocol.RegistryEvent) []string {
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	return names
}

func TestController_CleanLifecycle(t *testing.T) {
	pctx, mem := testContext(t, service.Definition{
		Type: "echo",
		Kind: service.KindPermanent,
		New:  func(rt service.Runtime) (any, error) { return &fakeService{}, nil },
	})

	ctrl, err := New(pctx, entry("echo", "t1"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if ctrl.State() != StateInitialized {
		t.Fatalf("state = %s", ctrl.State())
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctrl.State() != StateRunning {
		t.Fatalf("state = %s", ctrl.State())
	}
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ctrl.State() != StateStopped {
		t.Fatalf("state = %s", ctrl.State())
	}

	events := registryEvents(t, mem)
	got := eventNames(events)
	want := []string{"start", "ready", "stopping", "stop"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	last := events[len(events)-1]
	if last.Exit != protocol.ExitClean {
		t.Fatalf("stop exit = %s, want clean", last.Exit)
	}
	if last.UptimeSec < 0 {
		t.Fatalf("stop uptime = %f", last.UptimeSec)
	}
}

func TestController_StartupFailure(t *testing.T) {
	pctx, mem := testContext(t, service.Definition{
		Type: "echo",
		Kind: service.KindPermanent,
		New: func(rt service.Runtime) (any, error) {
			return &fakeService{startErr: errors.New("boom")}, nil
		},
	})

	ctrl, err := New(pctx, entry("echo", "t1"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ctrl.Start(ctx); !errors.Is(err, ErrStartup) {
		t.Fatalf("start err = %v, want ErrStartup", err)
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s", ctrl.State())
	}

	events := registryEvents(t, mem)
	names := eventNames(events)
	if names[len(names)-1] != "failed" {
		t.Fatalf("events = %v, want trailing failed", names)
	}
	failed := events[len(events)-1]
	if !strings.Contains(failed.Message, "boom") {
		t.Fatalf("failed message = %q, want to contain boom", failed.Message)
	}
	if ctrl.Monitor().EffectiveStatus() != status.StatusFailed {
		t.Fatalf("status = %s, want failed", ctrl.Monitor().EffectiveStatus())
	}
}

func TestController_DiscoveryFailureStaysAddressable(t *testing.T) {
	pctx, mem := testContext(t) // empty registry

	ctrl, err := New(pctx, entry("ghost", "t1"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ctrl.Initialize(context.Background()); !errors.Is(err, service.ErrDiscovery) {
		t.Fatalf("initialize err = %v, want ErrDiscovery", err)
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s", ctrl.State())
	}
	if pctx.GetController("ghost.t1") == nil {
		t.Fatal("failed controller must stay registered")
	}

	// A FAILED status must be observable on the status stream.
	var seen bool
	for _, raw := range mem.Messages(bus.StreamStatus) {
		var msg protocol.StatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Status == status.StatusFailed {
			seen = true
		}
	}
	if !seen {
		t.Fatal("no FAILED status published for failed initialization")
	}
}

func TestController_SingleShotCompletes(t *testing.T) {
	pctx, mem := testContext(t, service.Definition{
		Type: "report",
		Kind: service.KindSingleShot,
		New: func(rt service.Runtime) (any, error) {
			return &oneShotOK{}, nil
		},
	})

	ctrl, err := New(pctx, entry("report", "daily"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-ctrl.Done():
		if err != nil {
			t.Fatalf("done = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("single-shot never completed")
	}
	if ctrl.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", ctrl.State())
	}

	events := registryEvents(t, mem)
	last := events[len(events)-1]
	if last.Event != protocol.EventStop || last.Exit != protocol.ExitClean {
		t.Fatalf("terminal event = %+v, want clean stop", last)
	}
}

func TestController_SingleShotFailure(t *testing.T) {
	boom := errors.New("import failed")
	pctx, mem := testContext(t, service.Definition{
		Type: "report",
		Kind: service.KindSingleShot,
		New: func(rt service.Runtime) (any, error) {
			return &oneShotErr{err: boom}, nil
		},
	})

	ctrl, err := New(pctx, entry("report", "daily"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-ctrl.Done():
		if !errors.Is(err, boom) {
			t.Fatalf("done = %v, want execute error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("failure never surfaced")
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctrl.State())
	}

	events := registryEvents(t, mem)
	last := events[len(events)-1]
	if last.Event != protocol.EventStop || last.Exit != protocol.ExitFailed {
		t.Fatalf("terminal event = %+v, want failed stop", last)
	}
}

func TestController_RuntimeErrorReRaised(t *testing.T) {
	boom := errors.New("telescope jammed")
	pctx, mem := testContext(t, service.Definition{
		Type: "guider",
		Kind: service.KindBlocking,
		New: func(rt service.Runtime) (any, error) {
			return &fakeLoop{runErr: boom}, nil
		},
	})

	ctrl, err := New(pctx, entry("guider", "main"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-ctrl.Done():
		if !errors.Is(err, boom) {
			t.Fatalf("done = %v, want runtime error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runtime error never surfaced")
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctrl.State())
	}
	if own, _ := ctrl.Monitor().OwnStatus(); own != status.StatusError {
		t.Fatalf("status = %s, want error", own)
	}

	events := registryEvents(t, mem)
	last := events[len(events)-1]
	if last.Event != protocol.EventStop || last.Exit != protocol.ExitCrashed {
		t.Fatalf("terminal event = %+v, want crashed stop", last)
	}
}

func TestController_StopHookFailureStillPublishesStop(t *testing.T) {
	pctx, mem := testContext(t, service.Definition{
		Type: "echo",
		Kind: service.KindPermanent,
		New: func(rt service.Runtime) (any, error) {
			return &fakeService{stopErr: errors.New("hung connection")}, nil
		},
	})

	ctrl, err := New(pctx, entry("echo", "t1"), zerolog.Nop(), quietMonitor())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Stop(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("stop err = %v, want ErrShutdown", err)
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s", ctrl.State())
	}

	events := registryEvents(t, mem)
	last := events[len(events)-1]
	if last.Event != protocol.EventStop || last.Exit != protocol.ExitFailed {
		t.Fatalf("terminal event = %+v, want failed stop", last)
	}
	if own, _ := ctrl.Monitor().OwnStatus(); own != status.StatusError {
		t.Fatalf("status = %s, want error", own)
	}
}

type oneShotOK struct{}

func (oneShotOK) Execute(ctx context.Context) error { return nil }

type oneShotErr struct {
	err error
}

func (s *oneShotErr) Execute(ctx context.Context) error { return s.err }
