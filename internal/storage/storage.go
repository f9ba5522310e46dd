// Package storage defines the durable state of the notifier: feed
// groups, known item fingerprints and failure records.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Failure is one group's consecutive-failure record. Absence of a row
// means the group is healthy.
type Failure struct {
	URLsHash  []byte
	FailCount int
	Error     string
}

// Error wraps storage-level failures so the poll boundary can classify
// them.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the transactional state store shared by all group polls.
type Store interface {
	// Begin opens a transaction for one group poll. Fingerprint
	// inserts, timestamp updates and the failure clear commit
	// all-or-nothing.
	Begin(ctx context.Context) (Tx, error)

	// TouchGroupsLastSeen refreshes last_seen for every group still
	// present in configuration, shielding them from pruning.
	TouchGroupsLastSeen(ctx context.Context, hashes [][]byte, now time.Time) error

	// RecordFailure increments (or creates) the group's failure row,
	// creating the group row itself when the very first poll attempt
	// fails. last_check advances, last_update stays untouched.
	RecordFailure(ctx context.Context, urlsHash []byte, message string, now time.Time) error

	// FailingGroups returns failure records with at least minFails
	// consecutive failures.
	FailingGroups(ctx context.Context, minFails int) ([]Failure, error)

	// PruneGroups deletes groups whose last_seen predates cutoff.
	// Items and failure rows cascade.
	PruneGroups(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Tx is one group poll's transaction.
type Tx interface {
	// CheckGroup creates the group row on its first poll attempt or
	// advances last_check. Reports whether the group is new.
	CheckGroup(ctx context.Context, urlsHash []byte, now time.Time) (created bool, err error)

	// HasItem reports whether the fingerprint is already recorded for
	// the group. Classification happens before the filter runs, so
	// known entries never re-enter filter evaluation.
	HasItem(ctx context.Context, urlsHash, updateHash []byte) (bool, error)

	// UpsertItem records a fingerprint observation. A previously
	// unknown fingerprint is "new"; a known one only refreshes
	// last_seen.
	UpsertItem(ctx context.Context, urlsHash, updateHash []byte, now time.Time) (isNew bool, err error)

	// MarkUpdated sets last_update, called only when the poll
	// produced at least one notification.
	MarkUpdated(ctx context.Context, urlsHash []byte, now time.Time) error

	// ClearFailure deletes the failure row entirely; presence always
	// means "currently unhealthy".
	ClearFailure(ctx context.Context, urlsHash []byte) error

	// PruneItems deletes the group's fingerprints not seen since
	// cutoff.
	PruneItems(ctx context.Context, urlsHash []byte, cutoff time.Time) (int64, error)

	Commit() error
	Rollback() error
}
