package webservice

import (
	"context"
	"sync"

	"shelfd/internal/runtime/supervisor"
)

// OnHostStart asks for an activation with the configured port.
func (c *Controller) OnHostStart(ctx context.Context) error {
	return c.Submit(ctx, StartCommand(nil))
}

// OnHostStop deactivates and waits for both servers to be down.
func (c *Controller) OnHostStop(ctx context.Context) error {
	_, err := c.Apply(ctx, StopCommand())
	return err
}

// HostComponent runs the controller loop as a supervisor component. Start
// launches the loop and, when autostart is set, the first activation. Stop
// deactivates and ends the loop.
func HostComponent(c *Controller, autostart bool) supervisor.Component {
	var (
		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	)
	start := func(ctx context.Context) error {
		loopCtx, stop := context.WithCancel(context.Background())
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			if err := c.Run(loopCtx); err != nil {
				c.logger.Error("controller loop", "err", err)
			}
		}()
		mu.Lock()
		cancel, done = stop, finished
		mu.Unlock()
		if !autostart {
			return nil
		}
		return c.OnHostStart(ctx)
	}
	stop := func(ctx context.Context) error {
		mu.Lock()
		stopLoop, finished := cancel, done
		cancel, done = nil, nil
		mu.Unlock()
		if stopLoop == nil {
			return nil
		}
		err := c.OnHostStop(ctx)
		stopLoop()
		select {
		case <-finished:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		return err
	}
	return supervisor.NewComponent("webservice", start, stop)
}
