package tx

// Status is the handle a caller receives from Coordinator.Begin and must
// pass back to Commit or Rollback exactly once. It is the Go rendering of
// what the source system calls a TransactionStatus: a view onto the
// physical transaction (or lack of one) that this scope is attached to,
// plus enough bookkeeping for the Coordinator to know what to undo on
// completion.
type Status struct {
	name string

	// txObject is whatever the ResourceManager's GetTransaction/Suspend/
	// Resume hooks return to represent the physical transaction. It is
	// opaque to the Coordinator except when probing it for
	// SavepointManager or a RollbackOnly-capable holder.
	txObject any

	newTransaction     bool // this scope started the physical transaction, or is an empty scope (txObject nil)
	newSynchronization bool // this scope activated the synchronization set
	readOnly           bool
	localRollbackOnly  bool
	completed          bool

	savepoint          any // set when this scope is running inside a NESTED savepoint
	suspendedResources *suspendedResourcesHolder

	manager *ResourceManager
}

// suspendedResourcesHolder carries what a RequiresNew/NotSupported scope
// suspended, so Coordinator can hand it back to the ResourceManager's
// Resume hook when this scope completes.
type suspendedResourcesHolder struct {
	txObject     any
	syncs        []Synchronization
	syncActive   bool
	name         string
	readOnly     bool
	isolation    Isolation
	hasIsolation bool
	actualActive bool
}

// IsNewTransaction reports whether this scope began the physical
// transaction (as opposed to joining one already active). It is also true
// for a scope that runs with no transaction at all (SUPPORTS,
// NOT_SUPPORTED or NEVER with nothing active); the Coordinator then has
// no physical transaction to commit or roll back.
func (s *Status) IsNewTransaction() bool { return s.newTransaction }

// HasSavepoint reports whether this scope is running inside a NESTED
// savepoint rather than a brand-new or joined physical transaction.
func (s *Status) HasSavepoint() bool { return s.savepoint != nil }

// ReadOnly returns the read-only hint this scope was begun with.
func (s *Status) ReadOnly() bool { return s.readOnly }

// Name returns the scope's diagnostic name.
func (s *Status) Name() string { return s.name }

// IsRollbackOnly reports whether this scope (or a participant joining the
// same physical transaction) has marked the transaction for rollback.
func (s *Status) IsRollbackOnly() bool { return s.localRollbackOnly || s.globalRollbackOnly() }

func (s *Status) globalRollbackOnly() bool {
	if h, ok := s.txObject.(interface{ RollbackOnly() bool }); ok {
		return h.RollbackOnly()
	}
	return false
}

// SetRollbackOnly marks this scope for rollback and, if the transaction
// object has a SetRollbackOnly() method, marks the transaction itself
// immediately, so every participant in it sees the mark. Safe to call
// multiple times or after the transaction is already marked.
func (s *Status) SetRollbackOnly() {
	s.localRollbackOnly = true
	if h, ok := s.txObject.(interface{ SetRollbackOnly() }); ok {
		h.SetRollbackOnly()
	}
}

// IsCompleted reports whether Commit or Rollback has already been called
// for this Status.
func (s *Status) IsCompleted() bool { return s.completed }

// Flush asks the underlying ResourceManager to flush any buffered work to
// the physical transaction without completing it, if the manager supports
// flushing. A manager that doesn't is a no-op.
func (s *Status) Flush() error {
	if s.completed {
		return newError(KindIllegalState, "cannot flush a completed transaction")
	}
	if s.manager != nil && s.manager.Flush != nil {
		if err := s.manager.Flush(s.txObject); err != nil {
			return wrapError(KindTransactionSystem, "flush transaction", err)
		}
	}
	return nil
}

// CreateSavepoint creates a savepoint on the underlying transaction and
// holds it on this Status for a later RollbackToHeldSavepoint or
// ReleaseHeldSavepoint. Fails with KindNestedNotSupported if the
// transaction object doesn't implement SavepointManager.
func (s *Status) CreateSavepoint() (any, error) {
	sm, ok := supportsSavepoints(s.txObject)
	if !ok {
		return nil, newError(KindNestedNotSupported, "underlying transaction does not support savepoints")
	}
	sp, err := sm.CreateSavepoint()
	if err != nil {
		return nil, wrapError(KindTransactionSystem, "create savepoint", err)
	}
	s.savepoint = sp
	return sp, nil
}

// RollbackToHeldSavepoint rolls back to and releases the savepoint held by
// this Status in one step, then clears it. Fails if no savepoint is held.
func (s *Status) RollbackToHeldSavepoint() error {
	if s.savepoint == nil {
		return newError(KindIllegalState, "no savepoint held")
	}
	sm, ok := supportsSavepoints(s.txObject)
	if !ok {
		return newError(KindNestedNotSupported, "underlying transaction does not support savepoints")
	}
	sp := s.savepoint
	s.savepoint = nil
	if err := sm.RollbackToSavepoint(sp); err != nil {
		return wrapError(KindTransactionSystem, "rollback to savepoint", err)
	}
	if err := sm.ReleaseSavepoint(sp); err != nil {
		return wrapError(KindTransactionSystem, "release savepoint", err)
	}
	return nil
}

// ReleaseHeldSavepoint releases the savepoint held by this Status and
// clears it, without rolling back. Fails if no savepoint is held.
func (s *Status) ReleaseHeldSavepoint() error {
	if s.savepoint == nil {
		return newError(KindIllegalState, "no savepoint held")
	}
	sm, ok := supportsSavepoints(s.txObject)
	if !ok {
		return newError(KindNestedNotSupported, "underlying transaction does not support savepoints")
	}
	sp := s.savepoint
	s.savepoint = nil
	if err := sm.ReleaseSavepoint(sp); err != nil {
		return wrapError(KindTransactionSystem, "release savepoint", err)
	}
	return nil
}
