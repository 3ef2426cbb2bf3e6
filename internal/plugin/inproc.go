package plugin

import (
	"context"
	"fmt"
	"sync"

	"runline/internal/domain"
)

// EntryFunc is a Go-native plugin entry. It reports through rc and returns
// either a result payload, ErrCancelRequested, or a failure.
type EntryFunc func(rc RunContext) (*Outcome, error)

// InProc runs registered Go entry functions on their own goroutine. It is the
// adapter used by the built-in plugins and by tests.
type InProc struct {
	mu      sync.RWMutex
	entries map[string]EntryFunc // "plugin/entry"
}

func NewInProc() *InProc {
	return &InProc{entries: make(map[string]EntryFunc)}
}

// Bind attaches the implementation of one entry.
func (a *InProc) Bind(pluginID, entryID string, fn EntryFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[pluginID+"/"+entryID] = fn
}

func (a *InProc) Start(ctx context.Context, req StartRequest) (Handle, error) {
	a.mu.RLock()
	fn, ok := a.entries[req.PluginID+"/"+req.EntryID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no implementation bound for %s/%s", ErrUnknownEntry, req.PluginID, req.EntryID)
	}
	h := &inprocHandle{done: make(chan Outcome, 1)}
	go func() {
		defer close(h.done)
		h.done <- run(fn, req.Ctx)
	}()
	return h, nil
}

// run invokes the entry and normalizes its return into exactly one Outcome.
// A panic becomes a PLUGIN_ERROR rather than taking the host down.
func run(fn EntryFunc, rc RunContext) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &domain.RunError{
				Code:    domain.CodePlugin,
				Message: fmt.Sprintf("entry panicked: %v", r),
			}}
		}
	}()
	res, err := fn(rc)
	if err != nil {
		return Outcome{Err: err}
	}
	if res == nil {
		return Outcome{}
	}
	return *res
}

type inprocHandle struct {
	done chan Outcome
}

func (h *inprocHandle) Done() <-chan Outcome { return h.done }
