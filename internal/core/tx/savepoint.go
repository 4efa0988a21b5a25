package tx

// SavepointManager is implemented by a transaction object (whatever a
// ResourceManager's Begin/Suspend hand back as the "transaction" value)
// that can honor NESTED propagation via a native savepoint mechanism. A
// ResourceManager that can't support savepoints simply returns a
// transaction value that doesn't implement this interface; the Coordinator
// then rejects NESTED with KindNestedNotSupported.
type SavepointManager interface {
	// CreateSavepoint creates a new savepoint and returns an opaque handle
	// identifying it.
	CreateSavepoint() (any, error)
	// RollbackToSavepoint rolls the transaction back to the given
	// savepoint, undoing everything since it was created, without ending
	// the enclosing transaction.
	RollbackToSavepoint(savepoint any) error
	// ReleaseSavepoint discards the savepoint handle once it's no longer
	// needed (typically after the nested scope commits cleanly).
	ReleaseSavepoint(savepoint any) error
}

// supportsSavepoints reports whether txObject implements SavepointManager.
func supportsSavepoints(txObject any) (SavepointManager, bool) {
	sm, ok := txObject.(SavepointManager)
	return sm, ok
}
