package idempotency

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrKeyReused reports an Idempotency-Key replayed with a different request.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// ActorContext scopes a key to the caller that used it.
type ActorContext struct {
	ActorID        string
	IdempotencyKey string
	// RequestHash identifies the request body the key was first used with.
	RequestHash string
}

// Record is a stored response.
type Record struct {
	RequestHash string
	Status      int
	Body        any
}

// Store keeps responses by actor, key and endpoint.
type Store interface {
	GetIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string) (Record, bool, error)
	SaveIdempotencyRecord(ctx context.Context, actorID, idempotencyKey, endpoint string, rec Record) error
}

// Replay returns the stored response for the actor's key, if any.
func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (int, any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, actor.ActorID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	if rec.RequestHash != actor.RequestHash {
		return 0, nil, false, ErrKeyReused
	}
	return rec.Status, rec.Body, true, nil
}

// Save stores the response for later replay. Without a key it does nothing.
func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, status int, response any) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.ActorID, actor.IdempotencyKey, endpoint, Record{
		RequestHash: actor.RequestHash,
		Status:      status,
		Body:        response,
	})
}

type cacheKey struct {
	actorID, key, endpoint string
}

// LRUStore keeps the most recent responses in memory. Evicted keys are no
// longer replayed.
type LRUStore struct {
	mu    sync.Mutex
	cache *lru.Cache[cacheKey, Record]
}

var _ Store = (*LRUStore)(nil)

// NewLRUStore keeps at most size responses.
func NewLRUStore(size int) (*LRUStore, error) {
	cache, err := lru.New[cacheKey, Record](size)
	if err != nil {
		return nil, err
	}
	return &LRUStore{cache: cache}, nil
}

func (s *LRUStore) GetIdempotencyRecord(_ context.Context, actorID, idempotencyKey, endpoint string) (Record, bool, error) {
	rec, ok := s.cache.Get(cacheKey{actorID, idempotencyKey, endpoint})
	return rec, ok, nil
}

// SaveIdempotencyRecord keeps the first response stored for a key.
func (s *LRUStore) SaveIdempotencyRecord(_ context.Context, actorID, idempotencyKey, endpoint string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.ContainsOrAdd(cacheKey{actorID, idempotencyKey, endpoint}, rec)
	return nil
}
