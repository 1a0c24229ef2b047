package launcher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/controller"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
)

// InProcessStrategy hosts service instances as controllers inside the
// launcher's own process context, sharing its bus connection and scheduler.
type InProcessStrategy struct {
	pctx   *runtime.Context
	entry  config.ServiceEntry
	logger zerolog.Logger
	ctlOps controller.Options
}

// NewInProcessStrategy builds the cooperative launch strategy for one
// descriptor.
func NewInProcessStrategy(pctx *runtime.Context, entry config.ServiceEntry, logger zerolog.Logger, ctlOps controller.Options) *InProcessStrategy {
	return &InProcessStrategy{pctx: pctx, entry: entry, logger: logger, ctlOps: ctlOps}
}

// Launch implements Strategy: create, initialize and start a controller.
// Failures tear the controller down so the next attempt can register again.
func (s *InProcessStrategy) Launch(ctx context.Context, attempt int) (Handle, error) {
	ctrl, err := controller.New(s.pctx, s.entry, s.logger, s.ctlOps)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		_ = ctrl.Shutdown(ctx)
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Shutdown(ctx)
		return nil, err
	}

	h := &inProcessHandle{ctrl: ctrl, exited: make(chan ExitResult, 1)}
	go h.watch()
	return h, nil
}

type inProcessHandle struct {
	ctrl   *controller.Controller
	exited chan ExitResult
}

// watch forwards the controller's self-exit signal, releasing the
// controller registration so a restart can take its place.
func (h *inProcessHandle) watch() {
	err, ok := <-h.ctrl.Done()
	if !ok {
		return
	}
	_ = h.ctrl.Shutdown(context.Background())
	h.exited <- ExitResult{Err: err, Code: -1}
}

func (h *inProcessHandle) Exited() <-chan ExitResult { return h.exited }

func (h *inProcessHandle) Stop(ctx context.Context) error {
	return h.ctrl.Shutdown(ctx)
}

func (h *inProcessHandle) PID() int { return 0 }
