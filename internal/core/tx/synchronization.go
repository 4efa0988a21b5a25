package tx

import "sort"

// Synchronization lets a participant observe the lifecycle of the physical
// transaction a scope is attached to, independent of the resource manager
// that owns it. Implementations embed DefaultSynchronization to pick up
// no-op defaults for methods they don't care about.
//
// Callbacks fire only while the flow's synchronization set is active (see
// Options.SyncMode): under SyncAlways that includes scopes with no physical
// transaction (e.g. SUPPORTS with nothing active), under
// SyncOnActualTransaction only scopes that begin or join one, and under
// SyncNever none at all.
type Synchronization interface {
	// SuspendResource is called when the transaction this synchronization
	// was registered against is being suspended to make way for another.
	SuspendResource()
	// ResumeResource is called when a previously suspended transaction
	// resumes.
	ResumeResource()
	// BeforeCommit runs before the physical commit is attempted. readOnly
	// mirrors the scope's Definition.ReadOnly(). Returning an error aborts
	// the commit and forces a rollback.
	BeforeCommit(readOnly bool) error
	// BeforeCompletion runs immediately before either commit or rollback,
	// after BeforeCommit (if applicable) and before the registry is
	// cleared.
	BeforeCompletion()
	// AfterCommit runs after a successful physical commit.
	AfterCommit() error
	// AfterCompletion runs after the transaction has fully completed,
	// whether committed or rolled back. status is CompletionCommitted,
	// CompletionRolledBack, or CompletionUnknown when the outcome of a
	// failed commit or rollback is not known.
	AfterCompletion(status CompletionStatus)
}

// CompletionStatus reports how a physical transaction ended, passed to
// Synchronization.AfterCompletion.
type CompletionStatus int

const (
	CompletionCommitted CompletionStatus = iota
	CompletionRolledBack
	CompletionUnknown
)

// DefaultSynchronization implements Synchronization with no-op bodies.
// Embed it and override only the methods a concrete synchronization cares
// about.
type DefaultSynchronization struct{}

func (DefaultSynchronization) SuspendResource()                          {}
func (DefaultSynchronization) ResumeResource()                           {}
func (DefaultSynchronization) BeforeCommit(readOnly bool) error          { return nil }
func (DefaultSynchronization) BeforeCompletion()                         {}
func (DefaultSynchronization) AfterCommit() error                        { return nil }
func (DefaultSynchronization) AfterCompletion(status CompletionStatus)   {}

// orderedSynchronization is implemented by synchronizations that want to
// run before/after others in a deterministic order (lower Order runs first,
// for the before-callbacks and the after-callbacks alike).
type orderedSynchronization interface {
	Synchronization
	Order() int
}

// Ordered wraps a Synchronization with an explicit order key so it can
// participate in orderedSynchronization sorting without every
// implementation needing its own Order method.
type Ordered struct {
	Synchronization
	order int
}

// WithOrder returns s annotated with an explicit order key.
func WithOrder(s Synchronization, order int) Ordered {
	return Ordered{Synchronization: s, order: order}
}

func (o Ordered) Order() int { return o.order }

func orderOf(s Synchronization) int {
	if o, ok := s.(orderedSynchronization); ok {
		return o.Order()
	}
	return 0
}

// synchronizationSnapshot returns syncs sorted by ascending order key,
// stable against input order for equal keys, so synchronizations with the
// same order key run in registration order (SPEC_FULL.md §4.2).
func synchronizationSnapshot(syncs []Synchronization) []Synchronization {
	out := make([]Synchronization, len(syncs))
	copy(out, syncs)
	sort.SliceStable(out, func(i, j int) bool {
		return orderOf(out[i]) < orderOf(out[j])
	})
	return out
}

// triggerBeforeCommit invokes BeforeCommit on every synchronization in
// order, stopping at (and returning) the first error.
func triggerBeforeCommit(syncs []Synchronization, readOnly bool) error {
	for _, s := range synchronizationSnapshot(syncs) {
		if err := s.BeforeCommit(readOnly); err != nil {
			return err
		}
	}
	return nil
}

// triggerBeforeCompletion invokes BeforeCompletion on every synchronization
// in order. BeforeCompletion has no error return, so every synchronization
// runs in turn; a panic in one is not recovered here and stops the rest.
func triggerBeforeCompletion(syncs []Synchronization) {
	for _, s := range synchronizationSnapshot(syncs) {
		s.BeforeCompletion()
	}
}

// triggerAfterCommit invokes AfterCommit on every synchronization in order,
// collecting (not stopping on) errors, since the physical commit already
// happened and cannot be undone here.
func triggerAfterCommit(syncs []Synchronization) []error {
	var errs []error
	for _, s := range synchronizationSnapshot(syncs) {
		if err := s.AfterCommit(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// triggerAfterCompletion invokes AfterCompletion on every synchronization in
// order, same as every other trigger — synchronizations fire in
// stable-sorted order on every trigger, with no unwind-style reversal.
func triggerAfterCompletion(syncs []Synchronization, status CompletionStatus) {
	for _, s := range synchronizationSnapshot(syncs) {
		s.AfterCompletion(status)
	}
}

// triggerSuspend/triggerResume notify every active synchronization that the
// transaction they're attached to is being suspended or resumed.
func triggerSuspend(syncs []Synchronization) {
	for _, s := range synchronizationSnapshot(syncs) {
		s.SuspendResource()
	}
}

func triggerResume(syncs []Synchronization) {
	for _, s := range synchronizationSnapshot(syncs) {
		s.ResumeResource()
	}
}
