package cache

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Owner identifies a logical caller of an Access. Nested calls that pass on
// the context they were given share the owner and therefore re-enter.
type Owner struct {
	id   uint64
	name string
}

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", o.name, o.id)
}

type ownerKey struct{}

var ownerIDs atomic.Uint64

// NewOwnerContext returns a context carrying a fresh owner.
func NewOwnerContext(ctx context.Context, name string) context.Context {
	ctx, _ = withNewOwner(ctx, name)
	return ctx
}

// OwnerFrom returns the owner carried by ctx, if any.
func OwnerFrom(ctx context.Context) *Owner {
	owner, _ := ctx.Value(ownerKey{}).(*Owner)
	return owner
}

func withNewOwner(ctx context.Context, name string) (context.Context, *Owner) {
	owner := &Owner{id: ownerIDs.Add(1), name: name}
	return context.WithValue(ctx, ownerKey{}, owner), owner
}

// ensureOwner returns ctx and its owner, attaching a new owner when ctx has
// none.
func ensureOwner(ctx context.Context, name string) (context.Context, *Owner) {
	if owner := OwnerFrom(ctx); owner != nil {
		return ctx, owner
	}
	return withNewOwner(ctx, name)
}
