// Package workerpool assigns lobbies to a logical worker lane for
// metrics/log grouping. Placement is advisory only: Go's scheduler, not
// this package, decides which OS thread actually runs a given goroutine.
package workerpool

import (
	"strconv"

	"github.com/dgryski/go-rendezvous"
)

// Lanes shards arbitrary string keys (keycodes) across a fixed set of
// logical lanes using rendezvous hashing, so losing or adding a lane only
// reshuffles the keys that hashed to it rather than all of them.
type Lanes struct {
	hash *rendezvous.Rendezvous
	n    int
}

func hashString(s string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// NewLanes builds a lane assigner with n logical lanes numbered 0..n-1.
func NewLanes(n int) *Lanes {
	if n < 1 {
		n = 1
	}
	names := make([]string, n)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return &Lanes{hash: rendezvous.New(names, hashString), n: n}
}

// LaneFor returns the logical lane key (a keycode string, lobby id, etc.)
// is assigned to.
func (l *Lanes) LaneFor(key string) int {
	name := l.hash.Get(key)
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0
	}
	return n
}

// Count returns the number of logical lanes.
func (l *Lanes) Count() int { return l.n }
