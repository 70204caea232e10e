package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grid-worker-node/internal/models"
)

// Handler runs one job. Implementations commit through jc and report how
// execution ended through the returned Result.
type Handler interface {
	Execute(ctx context.Context, jc *JobContext) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jc *JobContext) Result

func (f HandlerFunc) Execute(ctx context.Context, jc *JobContext) Result { return f(ctx, jc) }

// Factory builds one Handler per worker slot.
type Factory func() Handler

// Result is what a handler returns: Success with an exit code, or Failure
// with the error to report.
type Result struct {
	ExitCode int
	Err      error
}

func Success(exitCode int) Result { return Result{ExitCode: exitCode} }

func Failure(err error) Result {
	if err == nil {
		err = fmt.Errorf("handler reported failure without an error")
	}
	return Result{Err: err}
}

// Failuref is Failure with a formatted message.
func Failuref(format string, args ...any) Result {
	return Failure(fmt.Errorf(format, args...))
}

func (r Result) Failed() bool { return r.Err != nil }

var (
	registryMtx sync.RWMutex
	registry    = map[string]Factory{}
)

// RegisterHandler binds a factory to a handler name.
func RegisterHandler(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}
	registryMtx.Lock()
	defer registryMtx.Unlock()
	registry[name] = factory
}

// LookupHandler returns the factory registered under name.
func LookupHandler(name string) (Factory, error) {
	registryMtx.RLock()
	f, ok := registry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler %q (registered: %s): %w", name, strings.Join(RegisteredHandlers(), ", "), models.ErrJobFactoryIsNotSet)
	}
	return f, nil
}

// RegisteredHandlers lists registered handler names in order.
func RegisteredHandlers() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
