// Package mock provides a scriptable pipeline.Runner for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/frame"
)

// Runner records every Start call and hands out [Handle] values.
type Runner struct {
	mu sync.Mutex

	// StartErrs is consumed one entry per Start call; a nil entry or an
	// exhausted slice means success.
	StartErrs []error

	// StopDelay makes every started handle take this long to finish after
	// Stop is requested.
	StopDelay time.Duration

	// RejectPush makes handles refuse every pushed frame.
	RejectPush bool

	handles  []*Handle
	configs  []pipeline.Config
	convs    []*conversation.Context
	emitters []pipeline.Emitter
}

var _ pipeline.Runner = (*Runner)(nil)

// Start implements pipeline.Runner.
func (r *Runner) Start(ctx context.Context, cfg pipeline.Config, conv *conversation.Context, emit pipeline.Emitter) (pipeline.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
	r.convs = append(r.convs, conv)
	r.emitters = append(r.emitters, emit)
	if len(r.StartErrs) > 0 {
		err := r.StartErrs[0]
		r.StartErrs = r.StartErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	h := newHandle(ctx, r.StopDelay, r.RejectPush)
	r.handles = append(r.handles, h)
	return h, nil
}

// Handles returns every handle started so far.
func (r *Runner) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Configs returns the config of every Start call.
func (r *Runner) Configs() []pipeline.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Config(nil), r.configs...)
}

// Conversations returns the conversation passed to every Start call.
func (r *Runner) Conversations() []*conversation.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*conversation.Context(nil), r.convs...)
}

// Emitter returns the emitter passed to the i-th Start call.
func (r *Runner) Emitter(i int) pipeline.Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitters[i]
}

// Last returns the most recently started handle or nil.
func (r *Runner) Last() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[len(r.handles)-1]
}

// Handle is a pipeline.Handle that records pushed frames.
type Handle struct {
	*pipeline.Lifecycle

	rejectPush bool

	mu       sync.Mutex
	pushed   []frame.Frame
	stopped  bool
	stopWait time.Duration
}

func newHandle(ctx context.Context, stopDelay time.Duration, rejectPush bool) *Handle {
	pctx, lc := pipeline.NewLifecycle(ctx)
	h := &Handle{Lifecycle: lc, rejectPush: rejectPush, stopWait: stopDelay}
	go func() {
		<-pctx.Done()
		if h.stopWait > 0 {
			time.Sleep(h.stopWait)
		}
		lc.Finish(nil)
	}()
	return h
}

// Push records f.
func (h *Handle) Push(f frame.Frame) bool {
	select {
	case <-h.Done():
		return false
	default:
	}
	if h.rejectPush {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushed = append(h.pushed, f)
	return true
}

// Stop records the call and stops the handle.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return h.Lifecycle.Stop(ctx)
}

// Fail ends the pipeline with err as if it had crashed.
func (h *Handle) Fail(err error) { h.Finish(err) }

// Pushed returns every accepted frame.
func (h *Handle) Pushed() []frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frame.Frame(nil), h.pushed...)
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
