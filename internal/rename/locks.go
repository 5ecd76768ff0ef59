package rename

import (
	"sort"
	"sync"
)

// fileLocks hands out one mutex per path. Entries are dropped when unused.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*fileLock)}
}

func (l *fileLocks) lock(path string) func() {
	l.mu.Lock()
	fl, ok := l.locks[path]
	if !ok {
		fl = &fileLock{}
		l.locks[path] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, path)
		}
		l.mu.Unlock()
	}
}

// lockAll locks every distinct path in sorted order so two callers locking
// overlapping sets cannot deadlock.
func (l *fileLocks) lockAll(paths []string) func() {
	uniq := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	unlocks := make([]func(), 0, len(uniq))
	for _, p := range uniq {
		unlocks = append(unlocks, l.lock(p))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *fileLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
