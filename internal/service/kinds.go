package service

import (
	"context"
	"fmt"
	"sync"
)

// Kind selects the execution shape of a registered service type.
type Kind string

const (
	KindPermanent  Kind = "permanent"
	KindBlocking   Kind = "blocking"
	KindSingleShot Kind = "single-shot"
)

// driverTask is the shared task plumbing of the framework-owned drivers.
// The result of the main function is delivered once on done (read by the
// controller's exit watcher), while finished lets Stop wait for the unwind
// without competing for that single value.
type driverTask struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan error
	finished chan struct{}
}

func (t *driverTask) launch(run func(ctx context.Context) error) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.finished = finished
	t.mu.Unlock()

	go func() {
		err := run(runCtx)
		if runCtx.Err() != nil {
			// Cancellation is the expected unwind path of a stop.
			err = nil
		}
		close(finished)
		done <- err
	}()
}

func (t *driverTask) stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	finished := t.finished
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("service task did not unwind: %w", ctx.Err())
	}
}

// Done implements Completer.
func (t *driverTask) Done() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// blockingDriver adapts a Blocking service to the Service interface. The
// driver owns the loop task: OnStart, Run until completion or cancellation,
// OnStop.
type blockingDriver struct {
	driverTask
	impl Blocking
}

func newBlockingDriver(impl Blocking) *blockingDriver {
	return &blockingDriver{impl: impl}
}

func (d *blockingDriver) Start(ctx context.Context) error {
	if hook, ok := d.impl.(OnStarter); ok {
		if err := hook.OnStart(ctx); err != nil {
			return err
		}
	}
	d.launch(d.impl.Run)
	return nil
}

func (d *blockingDriver) Stop(ctx context.Context) error {
	if err := d.stop(ctx); err != nil {
		return err
	}
	if hook, ok := d.impl.(OnStopper); ok {
		return hook.OnStop(ctx)
	}
	return nil
}

// singleShotDriver adapts a SingleShot service to the Service interface.
// Execute runs once in a driver task; its result surfaces on Done.
type singleShotDriver struct {
	driverTask
	impl SingleShot
}

func newSingleShotDriver(impl SingleShot) *singleShotDriver {
	return &singleShotDriver{impl: impl}
}

func (d *singleShotDriver) Start(ctx context.Context) error {
	d.launch(d.impl.Execute)
	return nil
}

func (d *singleShotDriver) Stop(ctx context.Context) error {
	return d.stop(ctx)
}
