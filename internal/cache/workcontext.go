package cache

import (
	"context"
	"maps"
)

// WorkContext is an immutable snapshot of the values a caller attached to
// its context. Work queued on the worker runs with the snapshot taken when
// it was queued.
type WorkContext struct {
	values map[string]string
}

type workContextKey struct{}

type workerKey struct{}

// WithWorkValue returns a context whose work context also maps key to value.
func WithWorkValue(ctx context.Context, key, value string) context.Context {
	current := WorkContextFrom(ctx)
	values := make(map[string]string, len(current.values)+1)
	maps.Copy(values, current.values)
	values[key] = value
	return context.WithValue(ctx, workContextKey{}, WorkContext{values: values})
}

// WorkContextFrom returns the work context carried by ctx.
func WorkContextFrom(ctx context.Context) WorkContext {
	wc, _ := ctx.Value(workContextKey{}).(WorkContext)
	return wc
}

// Value returns the value stored under key.
func (w WorkContext) Value(key string) (string, bool) {
	v, ok := w.values[key]
	return v, ok
}

// Len returns the number of values.
func (w WorkContext) Len() int { return len(w.values) }

func (w WorkContext) attach(ctx context.Context) context.Context {
	if w.values == nil {
		return ctx
	}
	return context.WithValue(ctx, workContextKey{}, w)
}

// InWorker reports whether ctx belongs to work running on w.
func InWorker(ctx context.Context, w *Worker) bool {
	current, _ := ctx.Value(workerKey{}).(*Worker)
	return current != nil && current == w
}
