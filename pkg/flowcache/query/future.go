package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skupperproject/flowcache/pkg/flowcache"
)

// Future is the pending result of a query. It completes exactly once.
type Future struct {
	id       uuid.UUID
	done     chan struct{}
	once     sync.Once
	resp     Response
	callback func(Response)
}

func newFuture(id uuid.UUID, callback func(Response)) *Future {
	return &Future{
		id:       id,
		done:     make(chan struct{}),
		callback: callback,
	}
}

func (f *Future) ID() uuid.UUID {
	return f.id
}

// Done is closed when the response is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the query completes or ctx is done. When ctx ends first
// the error wraps flowcache.ErrTimeout and the query keeps running.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.resp.Err
	case <-ctx.Done():
		return Response{QueryID: f.id}, fmt.Errorf("%w: query %s: %s", flowcache.ErrTimeout, f.id, ctx.Err())
	}
}

func (f *Future) WaitTimeout(d time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Wait(ctx)
}

func (f *Future) complete(resp Response) bool {
	completed := false
	f.once.Do(func() {
		resp.QueryID = f.id
		f.resp = resp
		close(f.done)
		completed = true
	})
	if completed && f.callback != nil {
		f.callback(f.resp)
	}
	return completed
}
