package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a pre-filled token channel. Its size is fixed by the
// first task that names the group.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	gs := &groupSemaphore{ch: make(chan struct{}, max(limit, 1))}
	for i := 0; i < cap(gs.ch); i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupKey is the concurrency key, falling back to the task name.
func groupKey(concurrencyKey, name string) string {
	if k := strings.TrimSpace(concurrencyKey); k != "" {
		return k
	}
	return strings.TrimSpace(name)
}

type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if limit <= 0 || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[key]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[key] = gs
	}
	return gs
}
