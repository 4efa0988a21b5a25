package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSync tracks which of its callbacks fired, in order, by appending
// its own label to a shared trace slice. It deliberately has no Order()
// method of its own — tests that need an explicit order wrap it with
// WithOrder instead, so orderOf's fallback-to-zero path gets exercised too.
type recordingSync struct {
	DefaultSynchronization
	label     string
	trace     *[]string
	beforeErr error
	afterErr  error
}

func (s *recordingSync) SuspendResource() { *s.trace = append(*s.trace, "suspend:"+s.label) }
func (s *recordingSync) ResumeResource()  { *s.trace = append(*s.trace, "resume:"+s.label) }

func (s *recordingSync) BeforeCommit(readOnly bool) error {
	*s.trace = append(*s.trace, "before:"+s.label)
	return s.beforeErr
}

func (s *recordingSync) BeforeCompletion() {
	*s.trace = append(*s.trace, "beforeCompletion:"+s.label)
}

func (s *recordingSync) AfterCommit() error {
	*s.trace = append(*s.trace, "afterCommit:"+s.label)
	return s.afterErr
}

func (s *recordingSync) AfterCompletion(status CompletionStatus) {
	*s.trace = append(*s.trace, "afterCompletion:"+s.label)
}

func TestSynchronizationSnapshot_StableSortByOrder(t *testing.T) {
	var trace []string
	syncs := []Synchronization{
		&recordingSync{label: "default-a", trace: &trace},
		WithOrder(&recordingSync{label: "late", trace: &trace}, 1000),
		&recordingSync{label: "default-b", trace: &trace},
	}

	snapshot := synchronizationSnapshot(syncs)
	require.Len(t, snapshot, 3)
	assert.Equal(t, 0, orderOf(snapshot[0]))
	assert.Equal(t, 0, orderOf(snapshot[1]))
	assert.Equal(t, 1000, orderOf(snapshot[2]), "explicit order 1000 always runs last")

	// The two order-0 entries keep their original relative order (stable sort).
	_ = triggerBeforeCommit(syncs, false)
	assert.Equal(t, []string{"before:default-a", "before:default-b", "before:late"}, trace)
}

func TestTriggerAfterCompletion_RunsInStableSortedOrder(t *testing.T) {
	var trace []string
	syncs := []Synchronization{
		&recordingSync{label: "first", trace: &trace},
		&recordingSync{label: "second", trace: &trace},
		&recordingSync{label: "third", trace: &trace},
	}

	triggerAfterCompletion(syncs, CompletionCommitted)
	assert.Equal(t, []string{
		"afterCompletion:first", "afterCompletion:second", "afterCompletion:third",
	}, trace)
}

func TestTriggerBeforeCommit_StopsAtFirstError(t *testing.T) {
	var trace []string
	failure := assertError("boom")
	syncs := []Synchronization{
		&recordingSync{label: "a", trace: &trace},
		&recordingSync{label: "b", trace: &trace, beforeErr: failure},
		&recordingSync{label: "c", trace: &trace},
	}

	err := triggerBeforeCommit(syncs, false)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, []string{"before:a", "before:b"}, trace, "c must not run after b's error")
}

func TestTriggerAfterCommit_CollectsAllErrorsWithoutStopping(t *testing.T) {
	var trace []string
	errA := assertError("a failed")
	errB := assertError("b failed")
	syncs := []Synchronization{
		&recordingSync{label: "a", trace: &trace, afterErr: errA},
		&recordingSync{label: "b", trace: &trace, afterErr: errB},
		&recordingSync{label: "c", trace: &trace},
	}

	errs := triggerAfterCommit(syncs)
	require.Len(t, errs, 2)
	assert.Equal(t, []string{"afterCommit:a", "afterCommit:b", "afterCommit:c"}, trace,
		"every synchronization runs even though earlier ones failed")
}

func TestDefaultSynchronization_AllNoOps(t *testing.T) {
	var d DefaultSynchronization
	d.SuspendResource()
	d.ResumeResource()
	assert.NoError(t, d.BeforeCommit(false))
	d.BeforeCompletion()
	assert.NoError(t, d.AfterCommit())
	d.AfterCompletion(CompletionCommitted)
}

// assertError is a minimal comparable error for ErrorIs checks in the table
// tests above, since errors.New values aren't guaranteed distinguishable by
// message alone across t.Run subtests.
type assertError string

func (e assertError) Error() string { return string(e) }
