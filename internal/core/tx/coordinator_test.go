package tx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTxObject is the fake "physical transaction" a mockResourceManager
// hands the Coordinator. It implements SavepointManager and the
// RollbackOnly()/SetRollbackOnly() convention directly (the real
// txpostgres.pgTxObject gets the same convention for free by embedding a
// *tx.Holder; here it's simpler to implement inline on a plain struct).
type mockTxObject struct {
	id           int
	began        bool
	committed    bool
	rolledBack   bool
	rollbackOnly bool
	savepoints   []string
}

func (o *mockTxObject) RollbackOnly() bool { return o.rollbackOnly }
func (o *mockTxObject) SetRollbackOnly()   { o.rollbackOnly = true }

func (o *mockTxObject) CreateSavepoint() (any, error) {
	sp := fmt.Sprintf("sp%d", len(o.savepoints)+1)
	o.savepoints = append(o.savepoints, sp)
	return sp, nil
}

func (o *mockTxObject) RollbackToSavepoint(sp any) error {
	for i, s := range o.savepoints {
		if s == sp {
			o.savepoints = o.savepoints[:i+1] // the savepoint itself survives until released
			return nil
		}
	}
	return fmt.Errorf("savepoint %v not found", sp)
}

func (o *mockTxObject) ReleaseSavepoint(sp any) error {
	for i, s := range o.savepoints {
		if s == sp {
			o.savepoints = append(o.savepoints[:i], o.savepoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("savepoint %v not found", sp)
}

// mockKey is the single resource key this test's mockResourceManager binds
// under, the same way a real ResourceManager identifies itself by its own
// pool/factory pointer.
type mockKey struct{}

// mockResourceManager is a trace-recording ResourceManager double: every
// hook appends an "rm:<hook>" entry to trace, so end-to-end tests can assert
// on the exact sequence the Coordinator drives it through.
type mockResourceManager struct {
	trace  *[]string
	nextID int

	beginErr     error
	commitErr    error
	rollbackErr  error
	noSuspend    bool
	withPrepare  bool
	prepareErr   error
}

func (m *mockResourceManager) build() ResourceManager {
	rm := NewResourceManager(mockKey{}, m.getTransaction, m.begin, m.commit, m.rollback).
		WithExistingTransactionDetection(m.isExisting).
		WithCleanup(m.cleanup)
	if !m.noSuspend {
		rm = rm.WithSuspendResume(m.suspend, m.resume)
	}
	if m.withPrepare {
		rm = rm.WithPrepareForCommit(m.prepareForCommit)
	}
	return rm
}

func (m *mockResourceManager) getTransaction(ctx context.Context) (any, error) {
	*m.trace = append(*m.trace, "rm:getTransaction")
	if v, ok := CurrentResource(ctx, mockKey{}); ok {
		return v, nil
	}
	m.nextID++
	return &mockTxObject{id: m.nextID}, nil
}

func (m *mockResourceManager) isExisting(txObject any) bool {
	return txObject.(*mockTxObject).began
}

func (m *mockResourceManager) begin(ctx context.Context, txObject any, def Definition) error {
	*m.trace = append(*m.trace, "rm:begin")
	if m.beginErr != nil {
		return m.beginErr
	}
	o := txObject.(*mockTxObject)
	o.began = true
	return BindResource(ctx, mockKey{}, o)
}

func (m *mockResourceManager) prepareForCommit(ctx context.Context, status *Status) error {
	*m.trace = append(*m.trace, "rm:prepareForCommit")
	return m.prepareErr
}

func (m *mockResourceManager) commit(ctx context.Context, status *Status) error {
	*m.trace = append(*m.trace, "rm:commit")
	if m.commitErr != nil {
		return m.commitErr
	}
	status.txObject.(*mockTxObject).committed = true
	_, _ = UnbindResourceIfPossible(ctx, mockKey{})
	return nil
}

func (m *mockResourceManager) rollback(ctx context.Context, status *Status) error {
	*m.trace = append(*m.trace, "rm:rollback")
	if m.rollbackErr != nil {
		return m.rollbackErr
	}
	status.txObject.(*mockTxObject).rolledBack = true
	_, _ = UnbindResourceIfPossible(ctx, mockKey{})
	return nil
}

func (m *mockResourceManager) suspend(ctx context.Context, txObject any) (any, error) {
	*m.trace = append(*m.trace, "rm:suspend")
	_, _ = UnbindResourceIfPossible(ctx, mockKey{})
	return txObject, nil
}

func (m *mockResourceManager) resume(ctx context.Context, suspended any) error {
	*m.trace = append(*m.trace, "rm:resume")
	return BindResource(ctx, mockKey{}, suspended.(*mockTxObject))
}

func (m *mockResourceManager) cleanup(ctx context.Context, txObject any) {
	*m.trace = append(*m.trace, "rm:cleanup")
}

func newMockCoordinator(trace *[]string, opts Options, configure func(*mockResourceManager)) (*Coordinator, *mockResourceManager) {
	m := &mockResourceManager{trace: trace}
	if configure != nil {
		configure(m)
	}
	return NewCoordinator(m.build(), opts), m
}

// --- §8 end-to-end scenarios ---

// Scenario 1: REQUIRED, no outer, commit.
func TestScenario1_Required_NoOuter_Commit(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	assert.True(t, status.IsNewTransaction())

	require.NoError(t, RegisterSynchronization(ctx, &recordingSync{label: "sync", trace: &trace}))

	require.NoError(t, coord.Commit(ctx, status))
	assert.Equal(t, []string{
		"rm:getTransaction", "rm:begin",
		"before:sync", "beforeCompletion:sync",
		"rm:commit",
		"afterCommit:sync", "afterCompletion:sync",
		"rm:cleanup",
	}, trace)
}

// Scenario 2: REQUIRED inside REQUIRED, inner marks rollback-only; outer
// commit fails with UnexpectedRollback after physically rolling back.
func TestScenario2_NestedRequired_InnerRollbackOnly_OuterCommitFails(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Required))
	require.NoError(t, err)
	assert.False(t, innerStatus.IsNewTransaction(), "inner REQUIRED joins the outer transaction")

	innerStatus.SetRollbackOnly()
	require.NoError(t, coord.Commit(innerCtx, innerStatus), "a participant's commit just marks rollback-only, it doesn't fail")

	err = coord.Commit(outerCtx, outerStatus)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnexpectedRollback))
	assert.Contains(t, trace, "rm:rollback")
	assert.NotContains(t, trace, "rm:commit")
}

// Scenario 3: REQUIRES_NEW inside REQUIRED suspends the outer transaction,
// runs independently, and resumes it afterward; no synchronization from the
// outer scope fires while the inner one is active.
func TestScenario3_RequiresNewInsideRequired_SuspendsAndResumes(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, RegisterSynchronization(outerCtx, &recordingSync{label: "outer", trace: &trace}))

	trace = nil // only care about what happens from here on

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(RequiresNew))
	require.NoError(t, err)
	assert.True(t, innerStatus.IsNewTransaction())
	require.NoError(t, RegisterSynchronization(innerCtx, &recordingSync{label: "inner", trace: &trace}))

	require.NoError(t, coord.Commit(innerCtx, innerStatus))

	for _, forbidden := range []string{"before:outer", "afterCommit:outer", "afterCompletion:outer"} {
		assert.NotContains(t, trace, forbidden, "outer synchronization must not fire while inner owns the transaction")
	}
	assert.Contains(t, trace, "rm:suspend")
	assert.Contains(t, trace, "rm:resume")
	assert.Contains(t, trace, "before:inner")
	assert.Contains(t, trace, "afterCompletion:inner")

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
	assert.Contains(t, trace, "before:outer", "outer synchronization fires once outer itself commits")
}

// Scenario 4: NESTED with savepoint, inner rollback; outer commit succeeds
// and its synchronizations fire exactly once.
func TestScenario4_NestedSavepoint_InnerRollback_OuterCommits(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, RegisterSynchronization(outerCtx, &recordingSync{label: "outer", trace: &trace}))

	outerTx := outerStatus.txObject.(*mockTxObject)

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Nested))
	require.NoError(t, err)
	assert.True(t, innerStatus.HasSavepoint())
	assert.Len(t, outerTx.savepoints, 1)

	require.NoError(t, coord.Rollback(innerCtx, innerStatus))
	assert.Empty(t, outerTx.savepoints, "rollback to savepoint releases it")

	require.NoError(t, coord.Commit(outerCtx, outerStatus))

	afterCommitCount := 0
	for _, entry := range trace {
		if entry == "afterCommit:outer" {
			afterCommitCount++
		}
	}
	assert.Equal(t, 1, afterCommitCount)
	assert.True(t, outerTx.committed)
}

// Scenario 5: NEVER with an outer transaction present fails immediately;
// the outer scope remains committable afterward.
func TestScenario5_Never_WithOuterPresent_Fails(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, _, err = coord.Begin(outerCtx, NewDefinition(Never))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

// Scenario 6: a holder's deadline elapses; TimeToLive reports TimedOut and
// marks the holder rollback-only, so the eventual commit rolls back instead
// and reports UnexpectedRollback.
func TestScenario6_TimeoutElapsed_ForcesRollbackOnCommit(t *testing.T) {
	now := time.Now()
	h := NewHolder()
	h.now = func() time.Time { return now }
	h.SetTimeout(1 * time.Second)

	now = now.Add(1100 * time.Millisecond)
	_, err := h.TimeToLiveSeconds()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimedOut))
	assert.True(t, h.RollbackOnly())

	// A resource manager whose transaction object embeds such a holder sees
	// RollbackOnly()==true, and Commit takes the compensating-rollback path.
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	status.txObject.(*mockTxObject).rollbackOnly = h.RollbackOnly()

	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnexpectedRollback))
	assert.Contains(t, trace, "rm:rollback")
}

// --- Invariants (§8) ---

func TestInvariant_DoubleCompletionFails(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	require.NoError(t, coord.Commit(ctx, status))
	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))

	err = coord.Rollback(ctx, status)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))
}

func TestInvariant_AfterCompletionFiresExactlyOncePerSynchronization(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, RegisterSynchronization(ctx, &recordingSync{label: "s", trace: &trace}))

	require.NoError(t, coord.Commit(ctx, status))

	count := 0
	for _, entry := range trace {
		if entry == "afterCompletion:s" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestInvariant_RegistryRestoredAfterCompletion(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	bg := context.Background()

	ctx, status, err := coord.Begin(bg, NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, coord.Commit(ctx, status))

	_, ok := CurrentResource(ctx, mockKey{})
	assert.False(t, ok, "the manager's own Commit hook unbinds its transaction object")

	flow := flowFrom(ctx)
	require.NotNil(t, flow)
	assert.False(t, flow.syncActive)
	assert.Empty(t, flow.syncs)
}

// --- Round-trip laws (§8) ---

func TestRoundTrip_SuspendResumeLeavesRegistryBitIdentical(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	s := &recordingSync{label: "outer", trace: &trace}
	require.NoError(t, RegisterSynchronization(outerCtx, s))

	flow := flowFrom(outerCtx)
	nameBefore, readOnlyBefore, activeBefore := flow.txName, flow.readOnly, flow.actualActive
	syncsBefore := append([]Synchronization(nil), flow.syncs...)

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(RequiresNew))
	require.NoError(t, err)
	require.NoError(t, coord.Commit(innerCtx, innerStatus))

	assert.Equal(t, nameBefore, flow.txName)
	assert.Equal(t, readOnlyBefore, flow.readOnly)
	assert.Equal(t, activeBefore, flow.actualActive)
	assert.Equal(t, syncsBefore, flow.syncs)

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestRoundTrip_NestedSavepointRollbackIsNoOpOnOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	outerTx := outerStatus.txObject.(*mockTxObject)

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Nested))
	require.NoError(t, err)
	require.NoError(t, coord.Rollback(innerCtx, innerStatus))

	assert.Empty(t, outerTx.savepoints)
	assert.False(t, outerTx.committed)
	assert.False(t, outerTx.rolledBack)

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
	assert.True(t, outerTx.committed, "outer remains committable after the nested rollback")
}

// --- Propagation behaviors not covered by the six scenarios above ---

func TestPropagation_Mandatory_FailsWithNoOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	_, _, err := coord.Begin(context.Background(), NewDefinition(Mandatory))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))
}

func TestPropagation_Mandatory_JoinsOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Mandatory))
	require.NoError(t, err)
	assert.False(t, innerStatus.IsNewTransaction())

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestPropagation_Supports_RunsBareWithoutOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Supports))
	require.NoError(t, err)
	assert.Nil(t, status.txObject)
	require.NoError(t, coord.Commit(ctx, status))
	assert.NotContains(t, trace, "rm:begin")
}

func TestPropagation_Supports_JoinsOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Supports))
	require.NoError(t, err)
	assert.False(t, innerStatus.IsNewTransaction())
	assert.NotNil(t, innerStatus.txObject)

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestPropagation_NotSupported_SuspendsOuter(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	innerCtx, innerStatus, err := coord.Begin(outerCtx, NewDefinition(NotSupported))
	require.NoError(t, err)
	assert.Nil(t, innerStatus.txObject)
	assert.Contains(t, trace, "rm:suspend")

	require.NoError(t, coord.Commit(innerCtx, innerStatus))
	assert.Contains(t, trace, "rm:resume")

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestNested_FailsWhenDisabled(t *testing.T) {
	var trace []string
	opts := DefaultOptions().WithNestedAllowed(false)
	coord, _ := newMockCoordinator(&trace, opts, nil)
	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, _, err = coord.Begin(outerCtx, NewDefinition(Nested))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNestedNotSupported))

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestSuspend_FailsWhenManagerCannotSuspend(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), func(m *mockResourceManager) { m.noSuspend = true })
	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, _, err = coord.Begin(outerCtx, NewDefinition(RequiresNew))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSuspensionNotSupported))

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}

func TestBegin_RejectsInvalidTimeout(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	_, _, err := coord.Begin(context.Background(), NewDefinition(Required).WithTimeoutSeconds(-2))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTimeout))
}

// --- Commit-failure handling (§7) ---

func TestCommit_PrepareForCommitFailure_CompensatesAndReportsSystemError(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), func(m *mockResourceManager) {
		m.withPrepare = true
		m.prepareErr = fmt.Errorf("prepare boom")
	})
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransactionSystem))
	assert.Contains(t, trace, "rm:rollback", "prepareForCommit failure is always compensated, regardless of RollbackOnCommitFailure")
}

func TestCommit_BeforeCommitSynchronizationFailure_CompensatesAndRollsBack(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), nil)
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, RegisterSynchronization(ctx, &recordingSync{label: "s", trace: &trace, beforeErr: fmt.Errorf("audit write failed")}))

	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.Contains(t, trace, "rm:rollback")
	assert.NotContains(t, trace, "rm:commit")
}

func TestCommit_ResourceManagerCommitFailure_RollbackOnCommitFailureFalse(t *testing.T) {
	var trace []string
	coord, _ := newMockCoordinator(&trace, DefaultOptions(), func(m *mockResourceManager) {
		m.commitErr = fmt.Errorf("commit boom")
	})
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransactionSystem))
	assert.NotContains(t, trace, "rm:rollback", "RollbackOnCommitFailure defaults to false: no compensating rollback is attempted")
}

func TestCommit_ResourceManagerCommitFailure_RollbackOnCommitFailureTrue(t *testing.T) {
	var trace []string
	opts := DefaultOptions().WithRollbackOnCommitFailure(true)
	coord, _ := newMockCoordinator(&trace, opts, func(m *mockResourceManager) {
		m.commitErr = fmt.Errorf("commit boom")
	})
	ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	err = coord.Commit(ctx, status)
	require.Error(t, err)
	assert.Contains(t, trace, "rm:rollback")
}

// TestCommit_GlobalRollbackOnlyWithCommitOnGlobalRollbackOnly pins down the
// resolved Open Question from SPEC_FULL.md §9: ShouldCommitOnGlobalRollbackOnly
// is consulted first and, when true, makes Commit attempt the physical commit
// despite the rollback-only marker; RollbackOnCommitFailure then governs only
// what happens if that physical commit itself fails.
func TestCommit_GlobalRollbackOnlyWithCommitOnGlobalRollbackOnly(t *testing.T) {
	t.Run("commit succeeds despite rollback-only: reports UnexpectedRollback, never touches rollback", func(t *testing.T) {
		var trace []string
		m := &mockResourceManager{trace: &trace}
		rm := NewResourceManager(mockKey{}, m.getTransaction, m.begin, m.commit, m.rollback).
			WithExistingTransactionDetection(m.isExisting).
			WithCleanup(m.cleanup).
			WithCommitOnGlobalRollbackOnly(func() bool { return true })
		coord := NewCoordinator(rm, DefaultOptions().WithRollbackOnCommitFailure(true))

		ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
		require.NoError(t, err)
		status.txObject.(*mockTxObject).SetRollbackOnly() // global: mark the transaction, not this Status

		err = coord.Commit(ctx, status)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindUnexpectedRollback))
		assert.Contains(t, trace, "rm:commit")
		assert.NotContains(t, trace, "rm:rollback")
	})

	t.Run("physical commit itself fails: RollbackOnCommitFailure governs compensation", func(t *testing.T) {
		var trace []string
		m := &mockResourceManager{trace: &trace, commitErr: fmt.Errorf("commit boom")}
		rm := NewResourceManager(mockKey{}, m.getTransaction, m.begin, m.commit, m.rollback).
			WithExistingTransactionDetection(m.isExisting).
			WithCleanup(m.cleanup).
			WithCommitOnGlobalRollbackOnly(func() bool { return true })
		coord := NewCoordinator(rm, DefaultOptions().WithRollbackOnCommitFailure(true))

		ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
		require.NoError(t, err)
		status.txObject.(*mockTxObject).SetRollbackOnly() // global: mark the transaction, not this Status

		err = coord.Commit(ctx, status)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindTransactionSystem))
		assert.Contains(t, trace, "rm:rollback", "RollbackOnCommitFailure=true compensates the failed physical commit")
	})

	t.Run("ShouldCommitOnGlobalRollbackOnly false short-circuits before any RollbackOnCommitFailure consideration", func(t *testing.T) {
		var trace []string
		coord, _ := newMockCoordinator(&trace, DefaultOptions().WithRollbackOnCommitFailure(true), nil)
		ctx, status, err := coord.Begin(context.Background(), NewDefinition(Required))
		require.NoError(t, err)
		status.txObject.(*mockTxObject).SetRollbackOnly() // global: mark the transaction, not this Status

		err = coord.Commit(ctx, status)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindUnexpectedRollback))
		assert.Contains(t, trace, "rm:rollback")
		assert.NotContains(t, trace, "rm:commit")
	})
}

func TestRollback_ParticipantEscalatesGlobalRollbackOnlyWhenConfigured(t *testing.T) {
	var trace []string
	opts := DefaultOptions().WithGlobalRollbackOnParticipationFailure(true)
	coord, _ := newMockCoordinator(&trace, opts, nil)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)
	outerTx := outerStatus.txObject.(*mockTxObject)

	_, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Required))
	require.NoError(t, err)
	require.NoError(t, coord.Rollback(outerCtx, innerStatus))

	assert.True(t, outerTx.rollbackOnly, "a failed participant escalates rollback-only to the whole transaction")

	err = coord.Commit(outerCtx, outerStatus)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnexpectedRollback))
}

// unescalatableTxObject is a transaction object that supports neither an
// explicit SetRollbackOnly hook on the ResourceManager nor the Holder
// convention — it can't honor a participant's rollback-only escalation.
type unescalatableTxObject struct{ began bool }

func TestRollback_ParticipantEscalation_FailsWhenManagerCannotHonorIt(t *testing.T) {
	var trace []string
	getTransaction := func(ctx context.Context) (any, error) {
		trace = append(trace, "rm:getTransaction")
		if v, ok := CurrentResource(ctx, mockKey{}); ok {
			return v, nil
		}
		return &unescalatableTxObject{}, nil
	}
	begin := func(ctx context.Context, txObject any, def Definition) error {
		trace = append(trace, "rm:begin")
		o := txObject.(*unescalatableTxObject)
		o.began = true
		return BindResource(ctx, mockKey{}, o)
	}
	commit := func(ctx context.Context, status *Status) error {
		trace = append(trace, "rm:commit")
		_, _ = UnbindResourceIfPossible(ctx, mockKey{})
		return nil
	}
	rollback := func(ctx context.Context, status *Status) error {
		trace = append(trace, "rm:rollback")
		_, _ = UnbindResourceIfPossible(ctx, mockKey{})
		return nil
	}
	rm := NewResourceManager(mockKey{}, getTransaction, begin, commit, rollback).
		WithExistingTransactionDetection(func(txObject any) bool { return txObject.(*unescalatableTxObject).began }).
		WithCleanup(func(ctx context.Context, txObject any) { trace = append(trace, "rm:cleanup") })
	opts := DefaultOptions().WithGlobalRollbackOnParticipationFailure(true)
	coord := NewCoordinator(rm, opts)

	outerCtx, outerStatus, err := coord.Begin(context.Background(), NewDefinition(Required))
	require.NoError(t, err)

	_, innerStatus, err := coord.Begin(outerCtx, NewDefinition(Required))
	require.NoError(t, err)

	err = coord.Rollback(outerCtx, innerStatus)
	require.Error(t, err, "a resource manager that can't mark the participant's transaction rollback-only must fail the escalation, not silently drop it")
	assert.True(t, IsKind(err, KindTransactionSystem))

	require.NoError(t, coord.Commit(outerCtx, outerStatus))
}
