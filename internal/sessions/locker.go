package sessions

import (
	"sort"
	"sync"
)

// PathLocker serializes writers per resolved file path. Multi-path
// operations must acquire their locks through LockAll, which sorts the
// paths first so that two writers taking overlapping sets of locks
// cannot deadlock.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPathLocker creates an empty locker.
func NewPathLocker() *PathLocker {
	return &PathLocker{locks: make(map[string]*pathLock)}
}

// Lock acquires the lock for a single path. The returned function
// releases it.
func (l *PathLocker) Lock(path string) func() {
	pl := l.retain(path)
	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.release(path)
	}
}

// LockAll acquires locks for every path in canonical (sorted) order and
// returns a function releasing them in reverse order.
func (l *PathLocker) LockAll(paths ...string) func() {
	sorted := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			sorted = append(sorted, p)
		}
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	for _, p := range sorted {
		releases = append(releases, l.Lock(p))
	}

	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func (l *PathLocker) retain(path string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{}
		l.locks[path] = pl
	}
	pl.refs++
	return pl
}

func (l *PathLocker) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.locks[path]
	if !ok {
		return
	}
	pl.refs--
	if pl.refs <= 0 {
		delete(l.locks, path)
	}
}
