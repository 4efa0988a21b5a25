// Package txaudit provides a tx.Synchronization that persists a compressed
// change-audit record for one flow the moment it is about to commit, using
// the same querier a txpostgres-backed repository would use.
package txaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/klauspost/compress/zstd"

	appcontext "txcore/internal/core/context"
	"txcore/internal/core/id"
	"txcore/internal/core/tx"
	"txcore/internal/infrastructure/txpostgres"
)

// Action names the audited operation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionPost   Action = "post"
	ActionUnpost Action = "unpost"
)

// CompressionAlgo records which (if any) codec compressed an entry's
// changes payload.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// Entry is a single audit record. Changes holds the raw JSON diff until
// Scope.BeforeCommit compresses it (if it exceeds the configured threshold)
// into ChangesCompressed instead.
type Entry struct {
	ID                id.ID
	EntityType        string
	EntityID          id.ID
	Action            Action
	UserID            string
	UserEmail         string
	Changes           json.RawMessage
	ChangesCompressed []byte
	CompressionAlgo   CompressionAlgo
	Metadata          json.RawMessage
	CreatedAt         time.Time
}

// order is this synchronization's position relative to others registered
// on the same flow; it runs late, after domain-level synchronizations have
// had a chance to queue their own audit entries.
const order = 1000

// Sync is a long-lived factory for per-flow audit Scopes: one Sync is built
// once at startup against the connection pool's resource manager, and every
// request that wants an audit trail calls Begin to obtain a Scope bound to
// whatever transaction is active on that request's flow.
type Sync struct {
	mgr       *txpostgres.Manager
	builder   squirrel.StatementBuilderType
	encoder   *zstd.Encoder
	threshold int // bytes; payloads larger than this are zstd-compressed
}

// NewSync builds a Sync that resolves its querier through mgr.
func NewSync(mgr *txpostgres.Manager) (*Sync, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("txaudit: create zstd encoder: %w", err)
	}
	return &Sync{
		mgr:       mgr,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		encoder:   encoder,
		threshold: 10 * 1024,
	}, nil
}

// Begin captures ctx's currently active querier — the transaction the
// caller's Coordinator scope just began, since a ResourceManager's Begin
// hook binds its transaction object before Coordinator.Begin returns — and
// returns a Scope that batches entries for that one flow. The caller must
// register the returned Scope with tx.RegisterSynchronization before using
// it, or BeforeCommit never fires.
func (s *Sync) Begin(ctx context.Context) *Scope {
	return &Scope{
		querier:   s.mgr.QuerierFor(ctx),
		builder:   s.builder,
		encoder:   s.encoder,
		threshold: s.threshold,
	}
}

// Scope batches audit entries for one flow and writes them all in
// beforeCommit, inside the same physical transaction the flow is about to
// commit — so an audit-write failure rolls back the business change it
// describes, rather than silently going missing after the fact.
type Scope struct {
	querier   txpostgres.Querier
	builder   squirrel.StatementBuilderType
	encoder   *zstd.Encoder
	threshold int

	entries []Entry
}

var _ tx.Synchronization = (*Scope)(nil)

// Order implements the optional ordering accessor synchronizationSnapshot
// looks for.
func (sc *Scope) Order() int { return order }

// Record queues entry for the beforeCommit flush.
func (sc *Scope) Record(ctx context.Context, entry Entry) {
	if u := appcontext.GetUser(ctx); u != nil {
		if entry.UserID == "" {
			entry.UserID = u.UserID
		}
		if entry.UserEmail == "" {
			entry.UserEmail = u.Email
		}
	}
	if id.IsNil(entry.ID) {
		entry.ID = id.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	sc.entries = append(sc.entries, entry)
}

// RecordChange is a convenience wrapper around Record for the common case
// of diffing a map of changed fields.
func (sc *Scope) RecordChange(ctx context.Context, entityType string, entityID id.ID, action Action, changes map[string]any) error {
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("txaudit: marshal changes: %w", err)
	}
	sc.Record(ctx, Entry{EntityType: entityType, EntityID: entityID, Action: action, Changes: changesJSON})
	return nil
}

// SuspendResource and ResumeResource are no-ops: queued entries belong to
// the flow's logical scope, not to any particular physical resource, so
// suspending an unrelated nested transaction leaves them untouched.
func (sc *Scope) SuspendResource() {}
func (sc *Scope) ResumeResource()  {}

// BeforeCommit flushes every queued entry as one multi-row insert, inside
// the transaction that is about to commit.
func (sc *Scope) BeforeCommit(readOnly bool) error {
	if len(sc.entries) == 0 || readOnly {
		return nil
	}

	insert := sc.builder.Insert("sys_audit").Columns(
		"id", "entity_type", "entity_id", "action", "user_id", "user_email",
		"changes", "changes_compressed", "compression_algo", "metadata", "created_at",
	)
	for i := range sc.entries {
		e := &sc.entries[i]
		e.CompressionAlgo = CompressionNone
		if len(e.Changes) > sc.threshold {
			e.ChangesCompressed = sc.encoder.EncodeAll(e.Changes, nil)
			e.Changes = nil
			e.CompressionAlgo = CompressionZstd
		}
		insert = insert.Values(
			e.ID, e.EntityType, e.EntityID, e.Action, e.UserID, e.UserEmail,
			e.Changes, e.ChangesCompressed, e.CompressionAlgo, e.Metadata, e.CreatedAt,
		)
	}

	sql, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("txaudit: build insert: %w", err)
	}
	if _, err := sc.querier.Exec(context.Background(), sql, args...); err != nil {
		return fmt.Errorf("txaudit: write audit batch: %w", err)
	}
	return nil
}

// BeforeCompletion, AfterCommit and AfterCompletion round out the
// tx.Synchronization interface; this synchronization has nothing left to do
// once BeforeCommit has flushed (or the flow rolled back, in which case the
// queued entries die with the failed transaction, which is correct: an
// audit record for a change that never happened would be a lie).
func (sc *Scope) BeforeCompletion()                     {}
func (sc *Scope) AfterCommit() error                    { return nil }
func (sc *Scope) AfterCompletion(_ tx.CompletionStatus) { sc.entries = nil }
