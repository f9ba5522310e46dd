package config

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Store holds the current resolved snapshot and hands out updates. Swaps
// are atomic: an in-flight poll keeps the snapshot it started with, the
// next poll sees the new one.
type Store struct {
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	updates    chan *Snapshot
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{updates: make(chan *Snapshot, 1)}
	s.Swap(initial)
	return s
}

// Current returns the newest snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Updates delivers each new snapshot once. Pending deliveries coalesce:
// only the newest snapshot matters.
func (s *Store) Updates() <-chan *Snapshot {
	return s.updates
}

// Swap installs a snapshot, stamping it with the next generation.
func (s *Store) Swap(snap *Snapshot) {
	snap.Generation = s.generation.Add(1)
	s.current.Store(snap)

	for {
		select {
		case s.updates <- snap:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

// Watch polls the config file's mtime and reloads on change. A config
// error rejects the new file wholesale and keeps the previous snapshot
// running.
func (s *Store) Watch(ctx context.Context, path string, every time.Duration, log *slog.Logger) {
	lastModified := time.Time{}
	if info, err := os.Stat(path); err == nil {
		lastModified = info.ModTime()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			log.Error("failed to stat config file", "path", path, "error", err)
			continue
		}
		if info.ModTime().Equal(lastModified) {
			continue
		}
		lastModified = info.ModTime()

		cfg, err := Load(path)
		if err != nil {
			log.Error("config reload rejected, keeping previous configuration", "path", path, "error", err)
			continue
		}
		snap, err := Resolve(cfg)
		if err != nil {
			log.Error("config reload rejected, keeping previous configuration", "path", path, "error", err)
			continue
		}

		s.Swap(snap)
		log.Info("configuration reloaded", "generation", snap.Generation, "groups", len(snap.Groups))
	}
}
