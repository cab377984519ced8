package service

import (
	"context"
	"sync"

	"github.com/ask-mandi/server/internal/agent/model"
)

// lazyExecutor opens the request's executor on the first Execute. Questions
// answered without SQL never open a connection or MCP session.
type lazyExecutor struct {
	factory model.ExecutorFactory

	mu      sync.Mutex
	exec    model.Executor
	openErr error
}

func newLazyExecutor(factory model.ExecutorFactory) *lazyExecutor {
	return &lazyExecutor{factory: factory}
}

func (l *lazyExecutor) Execute(ctx context.Context, query string) ([]model.Row, error) {
	exec, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx, query)
}

// open dials once; a failed open is returned to every later caller.
func (l *lazyExecutor) open(ctx context.Context) (model.Executor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exec == nil && l.openErr == nil {
		l.exec, l.openErr = l.factory.Open(ctx)
	}
	return l.exec, l.openErr
}

// err reports why the executor could not be opened, if it was tried.
func (l *lazyExecutor) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openErr
}

func (l *lazyExecutor) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exec == nil {
		return nil
	}
	return l.exec.Close()
}
