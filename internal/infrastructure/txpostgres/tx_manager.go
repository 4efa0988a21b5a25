package txpostgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"txcore/internal/core/tx"
	"txcore/pkg/logger"
)

var tracer = otel.Tracer("txcore/txpostgres")

// poolKey identifies, within a flow's registry, the pgTxObject bound for a
// given *Manager. Each *Manager uses itself as the key, so two managers
// over two different pools never collide in the same flow.
type poolKey struct{ m *Manager }

// pgTxObject is the opaque transaction object this package hands the
// Coordinator. It embeds *tx.Holder so Status.IsRollbackOnly/SetRollbackOnly
// and the Coordinator's own rollback-escalation logic work against it with
// no further glue, and implements tx.SavepointManager for NESTED support.
type pgTxObject struct {
	*tx.Holder

	conn  *pgxpool.Conn
	pgTx  pgx.Tx
	depth int // number of savepoints created, for deterministic naming
}

func (o *pgTxObject) begun() bool { return o.pgTx != nil }

// CreateSavepoint implements tx.SavepointManager.
func (o *pgTxObject) CreateSavepoint() (any, error) {
	if o.pgTx == nil {
		return nil, fmt.Errorf("txpostgres: no active transaction to create a savepoint on")
	}
	o.depth++
	name := fmt.Sprintf("sp_%d", o.depth)
	if _, err := o.pgTx.Exec(context.Background(), "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("txpostgres: create savepoint %s: %w", name, err)
	}
	return name, nil
}

// RollbackToSavepoint implements tx.SavepointManager.
func (o *pgTxObject) RollbackToSavepoint(savepoint any) error {
	name, ok := savepoint.(string)
	if !ok {
		return fmt.Errorf("txpostgres: invalid savepoint handle %v", savepoint)
	}
	if _, err := o.pgTx.Exec(context.Background(), "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("txpostgres: rollback to savepoint %s: %w", name, err)
	}
	return nil
}

// ReleaseSavepoint implements tx.SavepointManager.
func (o *pgTxObject) ReleaseSavepoint(savepoint any) error {
	name, ok := savepoint.(string)
	if !ok {
		return fmt.Errorf("txpostgres: invalid savepoint handle %v", savepoint)
	}
	if _, err := o.pgTx.Exec(context.Background(), "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("txpostgres: release savepoint %s: %w", name, err)
	}
	return nil
}

// Manager is a tx.ResourceManager backed by a pgxpool.Pool. Wire it into a
// tx.Coordinator with tx.NewCoordinator(mgr.AsResourceManager(), opts).
type Manager struct {
	pool *pgxpool.Pool
}

// NewManager wraps pool as a tx.ResourceManager-compatible Postgres
// manager.
func NewManager(pool *Pool) *Manager {
	return &Manager{pool: pool.Pool}
}

// NewManagerFromRawPool builds a Manager directly from a pgxpool.Pool.
func NewManagerFromRawPool(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// AsResourceManager builds the tx.ResourceManager capability record the
// Coordinator drives. The Key is m itself: two Managers over different
// pools never collide in the same flow's registry.
func (m *Manager) AsResourceManager() tx.ResourceManager {
	return tx.NewResourceManager(poolKey{m}, m.getTransaction, m.begin, m.commit, m.rollback).
		WithExistingTransactionDetection(func(txObject any) bool {
			obj, ok := txObject.(*pgTxObject)
			return ok && obj.begun()
		}).
		WithSuspendResume(m.suspend, m.resume).
		WithCleanup(m.cleanupAfterCompletion)
}

func (m *Manager) getTransaction(ctx context.Context) (any, error) {
	if existing, ok := tx.CurrentResource(ctx, poolKey{m}); ok {
		return existing, nil
	}
	return &pgTxObject{Holder: tx.NewHolder()}, nil
}

func (m *Manager) begin(ctx context.Context, txObject any, def tx.Definition) error {
	obj := txObject.(*pgTxObject)

	ctx, span := tracer.Start(ctx, "txpostgres.begin",
		trace.WithAttributes(attribute.String("tx.isolation", def.Isolation().String())))
	defer span.End()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("txpostgres: acquire connection: %w", err)
	}

	pgTx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   isolationToPgx(def.Isolation()),
		AccessMode: accessModeFor(def.ReadOnly()),
	})
	if err != nil {
		conn.Release()
		return fmt.Errorf("txpostgres: begin transaction: %w", err)
	}

	if def.TimeoutSeconds() > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", def.TimeoutSeconds()*1000)
		if _, err := pgTx.Exec(ctx, stmt); err != nil {
			_ = pgTx.Rollback(ctx)
			conn.Release()
			return fmt.Errorf("txpostgres: set statement_timeout: %w", err)
		}
		obj.SetTimeout(time.Duration(def.TimeoutSeconds()) * time.Second)
	}

	obj.conn = conn
	obj.pgTx = pgTx

	if err := tx.BindResource(ctx, poolKey{m}, obj); err != nil {
		_ = pgTx.Rollback(ctx)
		conn.Release()
		return fmt.Errorf("txpostgres: bind transaction into registry: %w", err)
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, status *tx.Status) error {
	obj, err := m.unbindAndGet(ctx)
	if err != nil {
		return err
	}
	if obj.pgTx == nil {
		return nil
	}
	if err := obj.pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("txpostgres: commit: %w", err)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, status *tx.Status) error {
	obj, err := m.unbindAndGet(ctx)
	if err != nil {
		return err
	}
	if obj.pgTx == nil {
		return nil
	}
	if err := obj.pgTx.Rollback(ctx); err != nil {
		return fmt.Errorf("txpostgres: rollback: %w", err)
	}
	return nil
}

// unbindAndGet removes this manager's binding from the flow's registry
// ahead of commit/rollback, since the Coordinator's finishCompletion step
// expects the registry clear of transactional attributes once a
// newTransaction scope completes.
func (m *Manager) unbindAndGet(ctx context.Context) (*pgTxObject, error) {
	v, ok := tx.UnbindResourceIfPossible(ctx, poolKey{m})
	if !ok {
		return nil, fmt.Errorf("txpostgres: no transaction bound for this flow")
	}
	return v.(*pgTxObject), nil
}

func (m *Manager) suspend(ctx context.Context, txObject any) (any, error) {
	obj := txObject.(*pgTxObject)
	if _, ok := tx.UnbindResourceIfPossible(ctx, poolKey{m}); !ok {
		return nil, fmt.Errorf("txpostgres: no transaction bound to suspend")
	}
	return obj, nil
}

func (m *Manager) resume(ctx context.Context, suspended any) error {
	obj := suspended.(*pgTxObject)
	return tx.BindResource(ctx, poolKey{m}, obj)
}

func (m *Manager) cleanupAfterCompletion(ctx context.Context, txObject any) {
	obj, ok := txObject.(*pgTxObject)
	if !ok || obj.conn == nil {
		return
	}
	obj.conn.Release()
	obj.conn = nil
	logger.Debug(ctx, "released pooled connection after transaction completion")
}

func isolationToPgx(level tx.Isolation) pgx.TxIsoLevel {
	switch level {
	case tx.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		return pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case tx.IsolationSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func accessModeFor(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}

// Querier is the subset of pgx's query surface a repository needs, shared
// by both a pooled connection and an active transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuerierFor returns the Querier a repository should use: the active
// transaction if this flow has one bound for m, otherwise the bare pool.
// This is what lets repository code stay oblivious to whether it's
// running inside a Coordinator scope.
func (m *Manager) QuerierFor(ctx context.Context) Querier {
	if v, ok := tx.CurrentResource(ctx, poolKey{m}); ok {
		if obj, ok := v.(*pgTxObject); ok && obj.pgTx != nil {
			return obj.pgTx
		}
	}
	return m.pool
}
