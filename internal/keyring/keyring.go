// Package keyring rotates between multiple API credential sets for one
// exchange, so a throttled or failing key can be benched without downtime.
package keyring

import (
	"fmt"
	"sync"
	"time"

	"tradewire/pkg/core"
)

type RotationStrategy int

const (
	RotationRoundRobin RotationStrategy = iota
	RotationOnError
)

type Entry struct {
	ID          string
	Credentials core.Credentials
	Disabled    bool
	LastUsed    time.Time
	ErrorCount  int
}

// KeyRing holds the credential entries for one exchange. All methods are
// safe for concurrent use.
type KeyRing struct {
	mu       sync.RWMutex
	entries  []*Entry
	current  int
	strategy RotationStrategy
}

func New(entries []*Entry, strategy RotationStrategy) *KeyRing {
	copies := make([]*Entry, len(entries))
	for i, e := range entries {
		dup := *e
		copies[i] = &dup
	}
	return &KeyRing{
		entries:  copies,
		strategy: strategy,
	}
}

// Current returns the active non-disabled entry, or nil when every entry is
// benched or the ring is empty.
func (k *KeyRing) Current() *Entry {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for i := 0; i < len(k.entries); i++ {
		idx := (k.current + i) % len(k.entries)
		if !k.entries[idx].Disabled {
			return k.entries[idx]
		}
	}
	return nil
}

func (k *KeyRing) Rotate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rotateLocked()
}

func (k *KeyRing) rotateLocked() {
	if len(k.entries) == 0 {
		return
	}
	start := k.current
	for {
		k.current = (k.current + 1) % len(k.entries)
		if !k.entries[k.current].Disabled || k.current == start {
			return
		}
	}
}

// OnError records a failure against the active entry and rotates when the
// strategy calls for it.
func (k *KeyRing) OnError(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.entries) == 0 {
		return
	}
	k.entries[k.current].ErrorCount++

	if k.strategy == RotationOnError || core.IsRateLimitError(err) {
		k.rotateLocked()
	}
}

func (k *KeyRing) MarkUsed() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.entries) == 0 {
		return
	}
	k.entries[k.current].LastUsed = time.Now()
}

func (k *KeyRing) Disable(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, e := range k.entries {
		if e.ID == id {
			e.Disabled = true
			return
		}
	}
}

func (k *KeyRing) Enable(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, e := range k.entries {
		if e.ID == id {
			e.Disabled = false
			e.ErrorCount = 0
			return
		}
	}
}

func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{ID:%s, Key:%s}", e.ID, maskKey(e.Credentials.APIKey))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
