package rules

import (
	"context"
	"sync"
	"sync/atomic"

	"notifyd/internal/config"
	logx "notifyd/pkg/logx"
)

// ReloadResult describes one reload attempt.
type ReloadResult struct {
	Snapshot *Snapshot // active snapshot after the attempt
	Swapped  bool      // false when content was unchanged or the reload failed
	Err      error
}

// Store serves the active rule snapshot.
//
// Readers call Current() once per decision and use that pointer for the whole call, so a
// concurrent reload can never tear a decision between two rule sets. Reloads parse and
// validate a complete snapshot first and swap it in with a single atomic store; a failed
// reload leaves the previous snapshot serving.
type Store struct {
	path string
	log  logx.Logger

	cur atomic.Pointer[Snapshot]

	// reloadMu serializes reloads so generations are assigned in swap order.
	reloadMu sync.Mutex
	gen      uint64

	hookMu sync.Mutex
	hook   func(ReloadResult)
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// OnReload installs a callback invoked after every reload attempt.
func (s *Store) OnReload(fn func(ReloadResult)) {
	s.hookMu.Lock()
	s.hook = fn
	s.hookMu.Unlock()
}

// Current returns the active snapshot, or nil before the first successful load.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Version returns the active rule file version (0 if nothing is loaded).
func (s *Store) Version() int {
	if snap := s.cur.Load(); snap != nil {
		return snap.Version
	}
	return 0
}

// Set swaps in an already validated snapshot (used by tests and embedders).
func (s *Store) Set(snap *Snapshot) *Snapshot {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.swapLocked(snap)
}

func (s *Store) swapLocked(snap *Snapshot) *Snapshot {
	s.gen++
	cp := *snap
	cp.Generation = s.gen
	s.cur.Store(&cp)
	return &cp
}

// Reload reads the rule file and swaps it in if it is valid and differs from the active one.
func (s *Store) Reload(_ context.Context) ReloadResult {
	s.reloadMu.Lock()
	res := s.reloadLocked()
	s.reloadMu.Unlock()

	if res.Err != nil {
		s.log.Warn("rules rejected; keeping previous",
			logx.String("path", s.path),
			logx.Int("active_version", versionOf(res.Snapshot)),
			logx.Err(res.Err),
		)
	} else if res.Swapped {
		s.log.Info("rules loaded",
			logx.String("path", s.path),
			logx.Int("version", res.Snapshot.Version),
			logx.Int("rules", len(res.Snapshot.Rules)),
			logx.Int64("generation", int64(res.Snapshot.Generation)),
		)
	} else {
		s.log.Debug("rules unchanged", logx.String("path", s.path))
	}

	s.hookMu.Lock()
	hook := s.hook
	s.hookMu.Unlock()
	if hook != nil {
		hook(res)
	}
	return res
}

func (s *Store) reloadLocked() ReloadResult {
	prev := s.cur.Load()
	snap, err := ParseFile(s.path)
	if err != nil {
		return ReloadResult{Snapshot: prev, Err: err}
	}
	if prev != nil && prev.Hash == snap.Hash {
		return ReloadResult{Snapshot: prev}
	}
	return ReloadResult{Snapshot: s.swapLocked(snap), Swapped: true}
}

// Watch reloads the rule file whenever it changes on disk. It blocks until ctx is canceled.
func (s *Store) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, s.path, s.log, func() { s.Reload(ctx) })
}

func versionOf(snap *Snapshot) int {
	if snap == nil {
		return 0
	}
	return snap.Version
}
