package runtime

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
)

type fakeController struct {
	id       string
	shutdown bool
}

func (f *fakeController) ServiceID() string { return f.id }
func (f *fakeController) Shutdown(ctx context.Context) error {
	f.shutdown = true
	return nil
}

func newTestContext() (*Context, *bus.Memory) {
	mem := bus.NewMemory()
	pctx := New(zerolog.Nop())
	pctx.InitWithBus(mem, config.NewResolver(zerolog.Nop()), service.NewRegistry())
	return pctx, mem
}

func TestContext_ControllerRegistry(t *testing.T) {
	pctx, _ := newTestContext()

	ctrl := &fakeController{id: "echo.t1"}
	if err := pctx.RegisterController(ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pctx.RegisterController(&fakeController{id: "echo.t1"}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if got := pctx.GetController("echo.t1"); got != ctrl {
		t.Fatal("lookup returned wrong controller")
	}
	if ids := pctx.ControllerIDs(); len(ids) != 1 || ids[0] != "echo.t1" {
		t.Fatalf("ids = %v", ids)
	}

	pctx.UnregisterController("echo.t1")
	if pctx.GetController("echo.t1") != nil {
		t.Fatal("controller still registered after unregister")
	}
}

func TestContext_ShutdownStopsControllersAndBus(t *testing.T) {
	pctx, mem := newTestContext()

	ctrl := &fakeController{id: "echo.t1"}
	if err := pctx.RegisterController(ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := pctx.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !ctrl.shutdown {
		t.Fatal("controller not shut down")
	}
	if mem.Connected() {
		t.Fatal("bus not closed")
	}
}

func TestContext_InitWithBusIdempotent(t *testing.T) {
	mem := bus.NewMemory()
	pctx := New(zerolog.Nop())
	resolver := config.NewResolver(zerolog.Nop())
	pctx.InitWithBus(mem, resolver, service.NewRegistry())

	other := bus.NewMemory()
	pctx.InitWithBus(other, config.NewResolver(zerolog.Nop()), service.NewRegistry())

	if pctx.Bus() != bus.Bus(mem) {
		t.Fatal("second init must not replace the bus")
	}
	if pctx.Resolver() != resolver {
		t.Fatal("second init must not replace the resolver")
	}
}
