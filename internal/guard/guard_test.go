// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type liveSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newLiveSet(ids ...string) *liveSet {
	l := &liveSet{ids: make(map[string]bool)}
	for _, id := range ids {
		l.ids[id] = true
	}
	return l
}

func (l *liveSet) IsLive(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[requestID]
}

func TestGuard_RegisterCheckRelease(t *testing.T) {
	g := New()

	assert.False(t, g.Check("feature/x").IsDuplicate)

	assert.True(t, g.Register("feature/x", "req-1"))
	res := g.Check("feature/x")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "req-1", res.ExistingRequestID)

	assert.False(t, g.Register("feature/x", "req-2"))

	g.Release("feature/x")
	assert.False(t, g.Check("feature/x").IsDuplicate)
}

func TestGuard_AcquireRejectsLiveDuplicate(t *testing.T) {
	g := New()
	live := newLiveSet("req-1")

	assert.False(t, g.Acquire("feature/x", "req-1", live).IsDuplicate)

	res := g.Acquire("feature/x", "req-2", live)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "req-1", res.ExistingRequestID)
}

func TestGuard_AcquireSelfHealsStaleEntry(t *testing.T) {
	g := New()
	live := newLiveSet() // req-1 has no live runner state

	assert.True(t, g.Register("feature/x", "req-1"))

	res := g.Acquire("feature/x", "req-2", live)
	assert.False(t, res.IsDuplicate)

	check := g.Check("feature/x")
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, "req-2", check.ExistingRequestID)
}

type allLive struct{}

func (allLive) IsLive(string) bool { return true }

func TestGuard_ConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	g := New()

	const callers = 32
	var wg sync.WaitGroup
	admitted := make(chan string, callers)

	for i := 0; i < callers; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.Acquire("feature/x", id, allLive{}).IsDuplicate {
				admitted <- id
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var winners []string
	for id := range admitted {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1)
}
