package reconcile

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/subscription"
	"golang.org/x/sync/singleflight"
)

// readModel caches the latest published projection per user. Actors publish
// after every commit; misses replay the log, with concurrent misses for one
// user sharing a single load.
type readModel struct {
	store store.Store
	mu    sync.Mutex
	cache *lru.Cache[string, *subscription.Projection]
	group singleflight.Group
}

func newReadModel(s store.Store, size int) (*readModel, error) {
	cache, err := lru.New[string, *subscription.Projection](size)
	if err != nil {
		return nil, err
	}
	return &readModel{store: s, cache: cache}, nil
}

// publish stores p unless a newer projection is already cached.
func (r *readModel) publish(p *subscription.Projection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cache.Peek(p.UserID); ok && cur.Seq > p.Seq {
		return
	}
	r.cache.Add(p.UserID, p)
}

func (r *readModel) get(ctx context.Context, userID string) (*subscription.Projection, error) {
	if p, ok := r.cache.Get(userID); ok {
		return p, nil
	}
	v, err, _ := r.group.Do(userID, func() (any, error) {
		p, err := replay(ctx, r.store, userID)
		if err != nil {
			return nil, err
		}
		r.publish(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*subscription.Projection), nil
}
