package tx

import (
	"context"

	"txcore/pkg/logger"
)

// SyncMode controls whether, and when, a scope activates the
// synchronization set on its flow.
type SyncMode int

const (
	// SyncAlways activates synchronization for every scope, including
	// ones that never open a physical transaction (SUPPORTS with nothing
	// active, etc).
	SyncAlways SyncMode = iota
	// SyncOnActualTransaction activates synchronization only for scopes
	// that open or join a physical transaction.
	SyncOnActualTransaction
	// SyncNever disables synchronization entirely.
	SyncNever
)

// Options is the Coordinator's construction-time configuration surface.
type Options struct {
	SyncMode                             SyncMode
	DefaultTimeoutSeconds                int
	NestedAllowed                        bool
	ValidateExistingTransaction          bool
	GlobalRollbackOnParticipationFailure bool
	FailEarlyOnGlobalRollbackOnly        bool
	RollbackOnCommitFailure              bool
}

// DefaultOptions returns the spec-mandated defaults: synchronization
// always on, no enforced timeout beyond the manager's own default, nested
// transactions allowed, no strict validation of joined transactions, and
// no compensating behavior beyond what §4.5 requires unconditionally.
func DefaultOptions() Options {
	return Options{
		SyncMode:               SyncAlways,
		DefaultTimeoutSeconds:  DefaultTimeout,
		NestedAllowed:          true,
	}
}

func (o Options) WithSyncMode(m SyncMode) Options {
	o.SyncMode = m
	return o
}

func (o Options) WithDefaultTimeoutSeconds(seconds int) Options {
	o.DefaultTimeoutSeconds = seconds
	return o
}

func (o Options) WithNestedAllowed(v bool) Options {
	o.NestedAllowed = v
	return o
}

func (o Options) WithValidateExistingTransaction(v bool) Options {
	o.ValidateExistingTransaction = v
	return o
}

func (o Options) WithGlobalRollbackOnParticipationFailure(v bool) Options {
	o.GlobalRollbackOnParticipationFailure = v
	return o
}

func (o Options) WithFailEarlyOnGlobalRollbackOnly(v bool) Options {
	o.FailEarlyOnGlobalRollbackOnly = v
	return o
}

func (o Options) WithRollbackOnCommitFailure(v bool) Options {
	o.RollbackOnCommitFailure = v
	return o
}

// Coordinator is the propagation-behavior state machine: given a
// Definition and whatever transaction is already active on the calling
// flow, it decides whether to join, suspend, start fresh, or nest, and
// drives the wired ResourceManager and registered Synchronizations
// through the rest of the scope's lifecycle.
//
// A Coordinator is safe for concurrent use by multiple flows; all of its
// mutable state lives in the *flowState attached to each ctx, never on the
// Coordinator itself.
type Coordinator struct {
	rm     ResourceManager
	opts   Options
	unwrap UnwrapKeyFunc
}

// NewCoordinator builds a Coordinator over rm with the given Options.
func NewCoordinator(rm ResourceManager, opts Options) *Coordinator {
	return &Coordinator{rm: rm, opts: opts}
}

// WithUnwrapKey returns a copy of co whose own registry view applies
// unwrap to every resource key. The Coordinator never looks resources up
// by key itself, and CurrentResource, BindResource and
// UnbindResourceIfPossible compare keys without the hook, so it does not
// change the bindings a ResourceManager makes through those functions.
func (co *Coordinator) WithUnwrapKey(unwrap UnwrapKeyFunc) *Coordinator {
	clone := *co
	clone.unwrap = unwrap
	return &clone
}

// Begin establishes a transactional scope per def (or Default() if no
// Definition is given) and returns the context the caller must use for
// the rest of the scope plus a Status to pass to Commit or Rollback.
func (co *Coordinator) Begin(ctx context.Context, defs ...Definition) (context.Context, *Status, error) {
	def := Default()
	if len(defs) > 0 {
		def = defs[0]
	}
	if def.TimeoutSeconds() == DefaultTimeout {
		def = def.WithTimeoutSeconds(co.opts.DefaultTimeoutSeconds)
	}

	ctx, flow := withFlow(ctx)
	reg := newRegistry(flow, co.unwrap)

	txObject, err := co.rm.GetTransaction(ctx)
	if err != nil {
		return ctx, nil, wrapError(KindTransactionSystem, "get transaction", err)
	}

	if co.rm.isExisting(txObject) {
		ctx2, st, err := co.participate(ctx, reg, txObject, def)
		return ctx2, st, err
	}

	if def.TimeoutSeconds() < -1 {
		return ctx, nil, newError(KindInvalidTimeout, "timeout seconds must be >= -1")
	}

	switch def.Propagation() {
	case Mandatory:
		return ctx, nil, newError(KindIllegalState, "no existing transaction found for MANDATORY propagation")
	case Required, RequiresNew, Nested:
		return co.startNewTransaction(ctx, reg, txObject, def)
	default: // Supports, NotSupported, Never
		return co.emptyScope(ctx, reg, def)
	}
}

func (co *Coordinator) startNewTransaction(ctx context.Context, reg *registry, txObject any, def Definition) (context.Context, *Status, error) {
	st := &Status{
		name:           def.Name(),
		txObject:       txObject,
		newTransaction: true,
		readOnly:       def.ReadOnly(),
		manager:        &co.rm,
	}
	st.newSynchronization = co.opts.SyncMode != SyncNever

	if err := co.rm.Begin(ctx, txObject, def); err != nil {
		return ctx, nil, wrapError(KindTransactionSystem, "begin transaction", err)
	}
	co.activateSynchronization(reg, st, def, txObject)
	return ctx, st, nil
}

func (co *Coordinator) emptyScope(ctx context.Context, reg *registry, def Definition) (context.Context, *Status, error) {
	if def.Isolation() != IsolationDefault {
		logger.Warn(ctx, "isolation level ignored for transaction scope with no active transaction",
			"isolation", def.Isolation().String(), "propagation", def.Propagation().String())
	}
	st := &Status{
		name:           def.Name(),
		txObject:       nil,
		newTransaction: true,
		readOnly:       def.ReadOnly(),
		manager:        &co.rm,
	}
	st.newSynchronization = co.opts.SyncMode == SyncAlways
	co.activateSynchronization(reg, st, def, nil)
	return ctx, st, nil
}

func (co *Coordinator) participate(ctx context.Context, reg *registry, txObject any, def Definition) (context.Context, *Status, error) {
	switch def.Propagation() {
	case Never:
		return ctx, nil, newError(KindIllegalState, "existing transaction found for NEVER propagation")

	case NotSupported:
		holder, err := co.suspend(ctx, reg, txObject)
		if err != nil {
			return ctx, nil, err
		}
		st := &Status{
			name:               def.Name(),
			txObject:           nil,
			newTransaction:     false,
			readOnly:           def.ReadOnly(),
			suspendedResources: holder,
			manager:            &co.rm,
		}
		st.newSynchronization = co.opts.SyncMode == SyncAlways
		co.activateSynchronization(reg, st, def, nil)
		return ctx, st, nil

	case RequiresNew:
		holder, err := co.suspend(ctx, reg, txObject)
		if err != nil {
			return ctx, nil, err
		}
		freshTx, err := co.rm.GetTransaction(ctx)
		if err != nil {
			co.resumeAfterFailure(ctx, reg, holder)
			return ctx, nil, wrapError(KindTransactionSystem, "get transaction", err)
		}
		st := &Status{
			name:               def.Name(),
			txObject:           freshTx,
			newTransaction:     true,
			readOnly:           def.ReadOnly(),
			suspendedResources: holder,
			manager:            &co.rm,
		}
		st.newSynchronization = co.opts.SyncMode != SyncNever
		if err := co.rm.Begin(ctx, freshTx, def); err != nil {
			co.resumeAfterFailure(ctx, reg, holder)
			return ctx, nil, wrapError(KindTransactionSystem, "begin transaction", err)
		}
		co.activateSynchronization(reg, st, def, freshTx)
		return ctx, st, nil

	case Nested:
		if !co.opts.NestedAllowed {
			return ctx, nil, newError(KindNestedNotSupported, "nested transactions are disabled for this coordinator")
		}
		if co.rm.useSavepointForNested() {
			st := &Status{
				name:           def.Name(),
				txObject:       txObject,
				newTransaction: false,
				readOnly:       def.ReadOnly(),
				manager:        &co.rm,
			}
			if _, err := st.CreateSavepoint(); err != nil {
				return ctx, nil, err
			}
			return ctx, st, nil
		}
		st := &Status{
			name:           def.Name(),
			txObject:       txObject,
			newTransaction: true,
			readOnly:       def.ReadOnly(),
			manager:        &co.rm,
		}
		st.newSynchronization = co.opts.SyncMode != SyncNever
		if err := co.rm.Begin(ctx, txObject, def); err != nil {
			return ctx, nil, wrapError(KindTransactionSystem, "begin nested transaction", err)
		}
		co.activateSynchronization(reg, st, def, txObject)
		return ctx, st, nil

	default: // Required, Supports, Mandatory: join
		if co.opts.ValidateExistingTransaction {
			if def.Isolation() != IsolationDefault {
				if cur, present := reg.CurrentIsolation(); present && cur != def.Isolation() {
					return ctx, nil, newError(KindIllegalState, "existing transaction's isolation level does not match the requested isolation")
				}
			}
			if !def.ReadOnly() && reg.ReadOnly() {
				return ctx, nil, newError(KindIllegalState, "existing transaction is read-only but read-write was requested")
			}
		}
		st := &Status{
			name:           def.Name(),
			txObject:       txObject,
			newTransaction: false,
			readOnly:       def.ReadOnly(),
			manager:        &co.rm,
		}
		st.newSynchronization = co.opts.SyncMode != SyncNever
		co.activateSynchronization(reg, st, def, txObject)
		return ctx, st, nil
	}
}

// activateSynchronization implements §4.5c: a scope activates the flow's
// synchronization set only if it asked to (newSynchronization) and nothing
// else already has it active.
func (co *Coordinator) activateSynchronization(reg *registry, st *Status, def Definition, txObject any) {
	if !st.newSynchronization {
		return
	}
	if reg.IsSynchronizationActive() {
		st.newSynchronization = false
		return
	}
	reg.SetActualActive(txObject != nil)
	if def.Isolation() != IsolationDefault {
		reg.SetCurrentIsolation(def.Isolation(), true)
	} else {
		reg.SetCurrentIsolation(IsolationDefault, false)
	}
	reg.SetReadOnly(def.ReadOnly())
	reg.SetTxName(def.Name())
	_ = reg.InitSynchronization()
}

// suspend implements §4.5d's suspend half.
func (co *Coordinator) suspend(ctx context.Context, reg *registry, txObject any) (*suspendedResourcesHolder, error) {
	holder := &suspendedResourcesHolder{}

	if reg.IsSynchronizationActive() {
		triggerSuspend(reg.Synchronizations())
		syncs, _ := reg.ClearSynchronization()
		holder.syncs = syncs
		holder.syncActive = true
		holder.name = reg.TxName()
		holder.readOnly = reg.ReadOnly()
		iso, present := reg.CurrentIsolation()
		holder.isolation = iso
		holder.hasIsolation = present
		holder.actualActive = reg.ActualActive()
		reg.ClearAttributes()
	}

	if txObject != nil {
		if !co.rm.SupportsSuspend() {
			return nil, newError(KindSuspensionNotSupported, "resource manager does not support suspending transactions")
		}
		suspended, err := co.rm.Suspend(ctx, txObject)
		if err != nil {
			return nil, wrapError(KindTransactionSystem, "suspend transaction", err)
		}
		holder.txObject = suspended
	}

	return holder, nil
}

// resume implements §4.5d's resume half, restoring what suspend set aside.
func (co *Coordinator) resume(ctx context.Context, reg *registry, holder *suspendedResourcesHolder) error {
	if holder == nil {
		return nil
	}
	if holder.txObject != nil {
		if err := co.rm.Resume(ctx, holder.txObject); err != nil {
			return wrapError(KindTransactionSystem, "resume transaction", err)
		}
	}
	if holder.syncActive {
		reg.SetTxName(holder.name)
		reg.SetReadOnly(holder.readOnly)
		reg.SetCurrentIsolation(holder.isolation, holder.hasIsolation)
		reg.SetActualActive(holder.actualActive)
		_ = reg.InitSynchronization()
		for _, s := range holder.syncs {
			_ = reg.RegisterSynchronization(s)
		}
		triggerResume(holder.syncs)
	}
	return nil
}

func (co *Coordinator) resumeAfterFailure(ctx context.Context, reg *registry, holder *suspendedResourcesHolder) {
	if err := co.resume(ctx, reg, holder); err != nil {
		logger.Error(ctx, "failed to resume suspended transaction after begin failure", "error", err)
	}
}

// Commit ends status successfully if possible, per §4.5's commit
// workflow and §7's error-handling policy.
func (co *Coordinator) Commit(ctx context.Context, status *Status) error {
	if status.completed {
		return newError(KindIllegalState, "transaction already completed")
	}
	flow := flowFrom(ctx)
	if flow == nil {
		return newError(KindIllegalState, "context carries no active transactional flow")
	}
	reg := newRegistry(flow, co.unwrap)

	if status.localRollbackOnly {
		return co.processRollback(ctx, reg, status)
	}

	if !co.rm.shouldCommitOnGlobalRollbackOnly() && status.globalRollbackOnly() {
		rbErr := co.processRollback(ctx, reg, status)
		if status.newTransaction || co.opts.FailEarlyOnGlobalRollbackOnly {
			if rbErr != nil {
				return rbErr
			}
			return newError(KindUnexpectedRollback, "transaction was rolled back because it had been marked rollback-only")
		}
		return rbErr
	}

	return co.processCommit(ctx, reg, status)
}

func (co *Coordinator) processCommit(ctx context.Context, reg *registry, status *Status) error {
	if co.rm.PrepareForCommit != nil {
		if err := co.rm.PrepareForCommit(ctx, status); err != nil {
			return co.handleCommitFailure(ctx, reg, status, false, false, err)
		}
	}

	if err := triggerBeforeCommit(reg.Synchronizations(), status.readOnly); err != nil {
		return co.handleCommitFailure(ctx, reg, status, false, false, err)
	}
	triggerBeforeCompletion(reg.Synchronizations())

	var globalRollbackSnapshot bool
	if status.newTransaction || co.opts.FailEarlyOnGlobalRollbackOnly {
		globalRollbackSnapshot = status.globalRollbackOnly()
	}

	if status.HasSavepoint() {
		if err := status.ReleaseHeldSavepoint(); err != nil {
			return co.handleCommitFailure(ctx, reg, status, true, true, err)
		}
	} else if status.newTransaction && status.txObject != nil {
		if err := co.rm.Commit(ctx, status); err != nil {
			if IsKind(err, KindUnexpectedRollback) {
				triggerAfterCompletion(reg.Synchronizations(), CompletionRolledBack)
				co.finishCompletion(ctx, reg, status)
				return err
			}
			return co.handleCommitFailure(ctx, reg, status, true, true, err)
		}
	}

	afterCommitErrs := triggerAfterCommit(reg.Synchronizations())
	triggerAfterCompletion(reg.Synchronizations(), CompletionCommitted)
	co.finishCompletion(ctx, reg, status)

	if globalRollbackSnapshot {
		return newError(KindUnexpectedRollback, "transaction was committed despite having been marked rollback-only")
	}
	if len(afterCommitErrs) > 0 {
		return wrapError(KindTransactionSystem, "afterCommit synchronization failed", afterCommitErrs[0])
	}
	return nil
}

// handleCommitFailure implements §7's commit-path error handling for
// everything short of an explicit UnexpectedRollback surfaced by
// rm.Commit itself (which processCommit handles inline).
// fromResource distinguishes a resource-manager-level failure (commit or
// savepoint release itself failed — governed by RollbackOnCommitFailure)
// from an earlier, unconditional failure (prepareForCommit or
// beforeCommit synchronization — always compensated).
func (co *Coordinator) handleCommitFailure(ctx context.Context, reg *registry, status *Status, beforeCompletionRan bool, fromResource bool, cause error) error {
	if !beforeCompletionRan {
		triggerBeforeCompletion(reg.Synchronizations())
	}

	if fromResource && !co.opts.RollbackOnCommitFailure {
		triggerAfterCompletion(reg.Synchronizations(), CompletionUnknown)
		co.finishCompletion(ctx, reg, status)
		return wrapError(KindTransactionSystem, "commit failed", cause)
	}

	if rbErr := co.compensatingRollback(ctx, status); rbErr != nil {
		logger.Error(ctx, "compensating rollback after commit failure also failed", "cause", cause, "error", rbErr)
	}
	triggerAfterCompletion(reg.Synchronizations(), CompletionRolledBack)
	co.finishCompletion(ctx, reg, status)
	return wrapError(KindTransactionSystem, "commit failed", cause)
}

func (co *Coordinator) compensatingRollback(ctx context.Context, status *Status) error {
	if status.HasSavepoint() {
		return status.RollbackToHeldSavepoint()
	}
	if status.newTransaction && status.txObject != nil {
		return co.rm.Rollback(ctx, status)
	}
	return nil
}

// Rollback ends status by rolling back per §4.5's rollback workflow.
func (co *Coordinator) Rollback(ctx context.Context, status *Status) error {
	if status.completed {
		return newError(KindIllegalState, "transaction already completed")
	}
	flow := flowFrom(ctx)
	if flow == nil {
		return newError(KindIllegalState, "context carries no active transactional flow")
	}
	reg := newRegistry(flow, co.unwrap)
	return co.processRollback(ctx, reg, status)
}

func (co *Coordinator) processRollback(ctx context.Context, reg *registry, status *Status) error {
	triggerBeforeCompletion(reg.Synchronizations())

	var rbErr error
	switch {
	case status.HasSavepoint():
		rbErr = status.RollbackToHeldSavepoint()
	case status.newTransaction && status.txObject != nil:
		rbErr = co.rm.Rollback(ctx, status)
	default:
		if status.txObject != nil && (status.localRollbackOnly || co.opts.GlobalRollbackOnParticipationFailure) {
			rbErr = co.rm.setRollbackOnly(ctx, status)
		}
	}

	if rbErr != nil {
		triggerAfterCompletion(reg.Synchronizations(), CompletionUnknown)
		co.finishCompletion(ctx, reg, status)
		return wrapError(KindTransactionSystem, "rollback failed", rbErr)
	}

	triggerAfterCompletion(reg.Synchronizations(), CompletionRolledBack)
	co.finishCompletion(ctx, reg, status)
	return nil
}

// finishCompletion implements §4.5 commit/rollback step 9: mark
// completed, clear synchronization if this scope activated it, release
// the resource manager's hold on the transaction, and restore whatever
// this scope suspended. This path runs on every exit, success or failure.
func (co *Coordinator) finishCompletion(ctx context.Context, reg *registry, status *Status) {
	status.completed = true
	if status.newSynchronization {
		reg.Clear()
	}
	if status.newTransaction {
		co.rm.cleanup(ctx, status.txObject)
	}
	if status.suspendedResources != nil {
		holder := status.suspendedResources
		status.suspendedResources = nil
		if err := co.resume(ctx, reg, holder); err != nil {
			logger.Error(ctx, "failed to resume suspended transaction", "error", err)
		}
	}
}
