package log

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// requestSequence starts at a random offset so ids from separate runs
// are unlikely to line up in aggregated logs.
var requestSequence atomic.Uint32

func init() {
	requestSequence.Store(rand.Uint32())
}

type idKey struct{}

// ID tags every log line written for one proxied request.
type ID struct {
	ID        uint32
	CreatedAt time.Time
}

// ContextWithNewID assigns the next request id. Ids are sequential within
// the process, so concurrent requests never share one.
func ContextWithNewID(ctx context.Context) context.Context {
	return ContextWithID(ctx, ID{
		ID:        requestSequence.Add(1),
		CreatedAt: time.Now(),
	})
}

func ContextWithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

func IDFromContext(ctx context.Context) (ID, bool) {
	id, loaded := ctx.Value(idKey{}).(ID)
	return id, loaded
}
