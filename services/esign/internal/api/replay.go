package api

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultReplayCacheSize is used when Options.ReplayCacheSize is zero.
const DefaultReplayCacheSize = 65536

// replayGuard remembers accepted envelope signatures for as long as their
// issued_at can still pass the skew check. Capacity bounds memory; an
// envelope evicted early by capacity can be accepted again.
type replayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func newReplayGuard(size int, maxSkew time.Duration) *replayGuard {
	if size <= 0 {
		size = DefaultReplayCacheSize
	}
	// issued_at is accepted in [now-maxSkew, now+maxSkew]. A zero ttl keeps
	// entries until evicted by capacity.
	return &replayGuard{seen: expirable.NewLRU[string, struct{}](size, nil, 2*maxSkew)}
}

// firstUse records sig and reports whether it had not been seen before.
func (g *replayGuard) firstUse(sig string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(sig) {
		return false
	}
	g.seen.Add(sig, struct{}{})
	return true
}
