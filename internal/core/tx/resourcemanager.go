package tx

import "context"

// ResourceManager is the pluggable capability a Coordinator drives to
// actually obtain, begin, suspend, resume, commit and roll back a physical
// transaction against some concrete resource (a database connection pool,
// a message broker session, ...).
//
// It is modeled as a capability record (a struct of function fields) built
// with NewResourceManager, rather than a Go interface with a dozen methods
// most implementations would stub out — mirroring the teacher's
// "assemble an options struct, validate it once, hand it to the
// coordinator" idiom. Mandatory fields are GetTransaction/Begin/Commit/
// Rollback; every optional field defaults to the behavior named on it, so
// a resource manager that can't suspend, can't nest, or can't validate an
// existing transaction just leaves that field nil.
//
// Key identifies which resource this manager binds into the flow-local
// registry (typically the manager itself, or the pool it wraps).
type ResourceManager struct {
	Key Key

	// GetTransaction inspects ctx's flow (and whatever ambient resource it owns)
	// and returns a txObject representing either an existing transaction
	// already bound to this flow, or a fresh, not-yet-begun placeholder.
	// The Coordinator never introspects the result except through
	// IsExisting and a SavepointManager / RollbackOnly type assertion.
	GetTransaction func(ctx context.Context) (any, error)

	// Begin opens a new physical transaction per def on txObject (as
	// returned by GetTransaction or a subsequent call to it after a
	// suspend).
	Begin func(ctx context.Context, txObject any, def Definition) error

	// Commit commits the physical transaction described by status.
	Commit func(ctx context.Context, status *Status) error

	// Rollback rolls back the physical transaction described by status.
	Rollback func(ctx context.Context, status *Status) error

	// IsExisting reports whether txObject (as returned by GetTransaction)
	// represents a transaction already active on this flow. Defaults to
	// false.
	IsExisting func(txObject any) bool

	// UseSavepointForNested reports whether NESTED should be implemented
	// via a native savepoint (true) or by starting an unsuspended nested
	// physical transaction on the same txObject (false). Defaults to
	// true.
	UseSavepointForNested func() bool

	// Suspend detaches txObject from the current flow so a different
	// transaction can run, returning whatever state is needed to resume
	// it later. Nil means this manager can't suspend — REQUIRES_NEW and
	// NOT_SUPPORTED against an active transaction then fail with
	// KindSuspensionNotSupported.
	Suspend func(ctx context.Context, txObject any) (any, error)

	// Resume reattaches a previously suspended transaction (the value
	// Suspend returned). Required if Suspend is set.
	Resume func(ctx context.Context, suspended any) error

	// SetRollbackOnly marks the transaction behind status rollback-only
	// for every participant, used by the Coordinator's rollback workflow
	// when a participant (not the owner) needs to escalate a local
	// rollback to the whole physical transaction. Defaults to a no-op
	// failure (participants cannot escalate) unless the manager's
	// txObject implements the same SetRollbackOnly() convention as
	// Holder, in which case that is used automatically.
	SetRollbackOnly func(ctx context.Context, status *Status) error

	// ShouldCommitOnGlobalRollbackOnly reports whether Commit should
	// still attempt the physical commit when the transaction has been
	// marked rollback-only. Defaults to false.
	ShouldCommitOnGlobalRollbackOnly func() bool

	// PrepareForCommit runs immediately before synchronization
	// beforeCommit callbacks, for managers that need to flush
	// manager-level buffers first. Optional.
	PrepareForCommit func(ctx context.Context, status *Status) error

	// CleanupAfterCompletion releases any resources held for txObject
	// (e.g. returning a pooled connection) after it has committed or
	// rolled back. Optional.
	CleanupAfterCompletion func(ctx context.Context, txObject any)

	// RegisterAfterCompletionWithExistingTx hands synchronizations to a
	// transaction this Coordinator did not itself begin. Defaults to
	// invoking AfterCompletion(CompletionUnknown) on each synchronization
	// immediately. The Coordinator does not call this hook or its
	// default; it is present for API completeness.
	RegisterAfterCompletionWithExistingTx func(ctx context.Context, txObject any, syncs []Synchronization)

	// Flush asks the manager to push buffered work to txObject without
	// completing it. Optional.
	Flush func(txObject any) error
}

// NewResourceManager returns a ResourceManager with every optional hook at
// its spec-mandated default and the four mandatory hooks wired. Callers
// chain the With* setters to add optional capabilities.
func NewResourceManager(
	key Key,
	getTransaction func(ctx context.Context) (any, error),
	begin func(ctx context.Context, txObject any, def Definition) error,
	commit func(ctx context.Context, status *Status) error,
	rollback func(ctx context.Context, status *Status) error,
) ResourceManager {
	return ResourceManager{Key: key, GetTransaction: getTransaction, Begin: begin, Commit: commit, Rollback: rollback}
}

// WithSuspendResume returns a copy of rm with suspend/resume wired.
func (rm ResourceManager) WithSuspendResume(
	suspend func(ctx context.Context, txObject any) (any, error),
	resume func(ctx context.Context, suspended any) error,
) ResourceManager {
	rm.Suspend = suspend
	rm.Resume = resume
	return rm
}

// WithExistingTransactionDetection returns a copy of rm that can recognize
// an already-begun transaction bound to the flow.
func (rm ResourceManager) WithExistingTransactionDetection(isExisting func(txObject any) bool) ResourceManager {
	rm.IsExisting = isExisting
	return rm
}

// WithSavepointPolicy returns a copy of rm with an explicit
// UseSavepointForNested hook.
func (rm ResourceManager) WithSavepointPolicy(useSavepointForNested func() bool) ResourceManager {
	rm.UseSavepointForNested = useSavepointForNested
	return rm
}

// WithRollbackOnlyEscalation returns a copy of rm with a SetRollbackOnly
// hook for participant escalation.
func (rm ResourceManager) WithRollbackOnlyEscalation(setRollbackOnly func(ctx context.Context, status *Status) error) ResourceManager {
	rm.SetRollbackOnly = setRollbackOnly
	return rm
}

// WithCommitOnGlobalRollbackOnly returns a copy of rm that always attempts
// a physical commit even when the transaction is marked rollback-only.
func (rm ResourceManager) WithCommitOnGlobalRollbackOnly(shouldCommit func() bool) ResourceManager {
	rm.ShouldCommitOnGlobalRollbackOnly = shouldCommit
	return rm
}

// WithPrepareForCommit returns a copy of rm with a PrepareForCommit hook.
func (rm ResourceManager) WithPrepareForCommit(prepare func(ctx context.Context, status *Status) error) ResourceManager {
	rm.PrepareForCommit = prepare
	return rm
}

// WithCleanup returns a copy of rm with a CleanupAfterCompletion hook
// wired.
func (rm ResourceManager) WithCleanup(cleanup func(ctx context.Context, txObject any)) ResourceManager {
	rm.CleanupAfterCompletion = cleanup
	return rm
}

// WithFlush returns a copy of rm with a Flush hook wired.
func (rm ResourceManager) WithFlush(flush func(txObject any) error) ResourceManager {
	rm.Flush = flush
	return rm
}

// SupportsSuspend reports whether this manager can suspend/resume
// transactions.
func (rm ResourceManager) SupportsSuspend() bool { return rm.Suspend != nil && rm.Resume != nil }

func (rm ResourceManager) isExisting(txObject any) bool {
	if rm.IsExisting == nil {
		return false
	}
	return rm.IsExisting(txObject)
}

func (rm ResourceManager) useSavepointForNested() bool {
	if rm.UseSavepointForNested == nil {
		return true
	}
	return rm.UseSavepointForNested()
}

func (rm ResourceManager) shouldCommitOnGlobalRollbackOnly() bool {
	if rm.ShouldCommitOnGlobalRollbackOnly == nil {
		return false
	}
	return rm.ShouldCommitOnGlobalRollbackOnly()
}

// setRollbackOnly escalates a participant's rollback to the whole
// transaction: the explicit hook if the manager provided one, else a
// best-effort type assertion against the Holder convention. A manager whose
// transaction object supports neither can't honor the escalation, and the
// spec's documented default is that this fails for participants rather than
// silently dropping the escalation.
func (rm ResourceManager) setRollbackOnly(ctx context.Context, status *Status) error {
	if rm.SetRollbackOnly != nil {
		return rm.SetRollbackOnly(ctx, status)
	}
	if h, ok := status.txObject.(interface{ SetRollbackOnly() }); ok {
		h.SetRollbackOnly()
		return nil
	}
	return newError(KindIllegalState, "resource manager cannot mark participant transaction rollback-only")
}

func (rm ResourceManager) cleanup(ctx context.Context, txObject any) {
	if rm.CleanupAfterCompletion != nil {
		rm.CleanupAfterCompletion(ctx, txObject)
	}
}

func (rm ResourceManager) registerAfterCompletionWithExistingTx(ctx context.Context, txObject any, syncs []Synchronization) {
	if rm.RegisterAfterCompletionWithExistingTx != nil {
		rm.RegisterAfterCompletionWithExistingTx(ctx, txObject, syncs)
		return
	}
	triggerAfterCompletion(syncs, CompletionUnknown)
}
