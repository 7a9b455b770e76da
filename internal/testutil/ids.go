package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates UUID-shaped ids whose last group counts up from 1,
// so ids sort in generation order like UUIDv7.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu sync.Mutex
	n  uint64
}

// Generate returns the next id. It never fails.
func (g *SequentialIDs) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.n), nil
}
