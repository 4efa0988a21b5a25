package tx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKey struct{ n int }

func TestRegistry_BindGetUnbind(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	key := fakeKey{1}

	_, ok := reg.GetResource(key)
	assert.False(t, ok)

	require.NoError(t, reg.BindResource(key, "value"))
	v, ok := reg.GetResource(key)
	require.True(t, ok)
	assert.Equal(t, "value", v)

	assert.True(t, reg.HasResource(key))
}

func TestRegistry_BindTwiceWithoutUnbindFails(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	key := fakeKey{1}

	require.NoError(t, reg.BindResource(key, "a"))
	err := reg.BindResource(key, "b")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))
}

func TestRegistry_UnbindResource(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	key := fakeKey{1}

	_, err := reg.UnbindResource(key)
	require.Error(t, err, "unbinding an absent key must fail")

	require.NoError(t, reg.BindResource(key, "a"))
	v, err := reg.UnbindResource(key)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.False(t, reg.HasResource(key))
}

func TestRegistry_UnbindResourceIfPossible(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	key := fakeKey{1}

	_, ok := reg.UnbindResourceIfPossible(key)
	assert.False(t, ok, "absent key is not an error here")

	require.NoError(t, reg.BindResource(key, "a"))
	v, ok := reg.UnbindResourceIfPossible(key)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

// voidHolder implements the IsVoid() convention the registry checks when
// evicting stale entries.
type voidHolder struct{ void bool }

func (h *voidHolder) IsVoid() bool { return h.void }

func TestRegistry_GetResource_EvictsVoidHolder(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	key := fakeKey{1}
	h := &voidHolder{}

	require.NoError(t, reg.BindResource(key, h))
	_, ok := reg.GetResource(key)
	assert.True(t, ok)

	h.void = true
	_, ok = reg.GetResource(key)
	assert.False(t, ok, "a void holder must be treated as absent")
	assert.False(t, reg.HasResource(key))
}

func TestRegistry_UnwrapKey_CollapsesDistinctKeysToTheSameResource(t *testing.T) {
	unwrap := func(k Key) Key {
		if _, ok := k.(fakeKey); ok {
			return fakeKey{n: 0} // every fakeKey collapses to the canonical factory
		}
		return k
	}
	reg := newRegistry(newFlowState(), unwrap)

	require.NoError(t, reg.BindResource(fakeKey{1}, "value"))
	v, ok := reg.GetResource(fakeKey{2})
	require.True(t, ok, "unwrap must make fakeKey{1} and fakeKey{2} collide")
	assert.Equal(t, "value", v)
}

func TestRegistry_SynchronizationLifecycle(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	assert.False(t, reg.IsSynchronizationActive())

	err := reg.RegisterSynchronization(&recordingSync{label: "x", trace: &[]string{}})
	require.Error(t, err, "cannot register before InitSynchronization")

	require.NoError(t, reg.InitSynchronization())
	assert.True(t, reg.IsSynchronizationActive())

	err = reg.InitSynchronization()
	require.Error(t, err, "InitSynchronization twice must fail")

	s := &recordingSync{label: "x", trace: &[]string{}}
	require.NoError(t, reg.RegisterSynchronization(s))
	assert.Equal(t, []Synchronization{s}, reg.Synchronizations())

	syncs, err := reg.ClearSynchronization()
	require.NoError(t, err)
	assert.Equal(t, []Synchronization{s}, syncs)
	assert.False(t, reg.IsSynchronizationActive())

	_, err = reg.ClearSynchronization()
	require.Error(t, err, "ClearSynchronization twice must fail")
}

func TestRegistry_Attributes(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	reg.SetTxName("tx1")
	reg.SetReadOnly(true)
	reg.SetCurrentIsolation(IsolationSerializable, true)
	reg.SetActualActive(true)

	assert.Equal(t, "tx1", reg.TxName())
	assert.True(t, reg.ReadOnly())
	iso, present := reg.CurrentIsolation()
	assert.Equal(t, IsolationSerializable, iso)
	assert.True(t, present)
	assert.True(t, reg.ActualActive())

	reg.ClearAttributes()
	assert.Equal(t, "", reg.TxName())
	assert.False(t, reg.ReadOnly())
	_, present = reg.CurrentIsolation()
	assert.False(t, present)
	assert.False(t, reg.ActualActive())
}

func TestRegistry_Clear_ResetsEverythingButResources(t *testing.T) {
	reg := newRegistry(newFlowState(), nil)
	require.NoError(t, reg.BindResource(fakeKey{1}, "value"))
	require.NoError(t, reg.InitSynchronization())
	reg.SetTxName("tx1")

	reg.Clear()
	assert.False(t, reg.IsSynchronizationActive())
	assert.Equal(t, "", reg.TxName())
	assert.True(t, reg.HasResource(fakeKey{1}), "Clear must not touch bound resources")
}

func TestCurrentResource_BindResource_UnbindResourceIfPossible_PublicAPI(t *testing.T) {
	bg := context.Background()

	// No flow at all: every public accessor reports absence/failure cleanly.
	_, ok := CurrentResource(bg, fakeKey{1})
	assert.False(t, ok)
	_, ok = UnbindResourceIfPossible(bg, fakeKey{1})
	assert.False(t, ok)
	err := BindResource(bg, fakeKey{1}, "value")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIllegalState))

	ctx, _ := withFlow(bg)
	require.NoError(t, BindResource(ctx, fakeKey{1}, "value"))

	v, ok := CurrentResource(ctx, fakeKey{1})
	require.True(t, ok)
	assert.Equal(t, "value", v)

	v, ok = UnbindResourceIfPossible(ctx, fakeKey{1})
	require.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok = CurrentResource(ctx, fakeKey{1})
	assert.False(t, ok, "resource was just unbound")
}

func TestRegisterSynchronization_PublicAPI(t *testing.T) {
	bg := context.Background()

	err := RegisterSynchronization(bg, &recordingSync{label: "x", trace: &[]string{}})
	require.Error(t, err, "no flow on ctx")

	ctx, flow := withFlow(bg)
	err = RegisterSynchronization(ctx, &recordingSync{label: "x", trace: &[]string{}})
	require.Error(t, err, "synchronization set not active yet")

	flow.syncActive = true
	s := &recordingSync{label: "y", trace: &[]string{}}
	require.NoError(t, RegisterSynchronization(ctx, s))
	assert.Equal(t, []Synchronization{s}, flow.syncs)
}

func TestWithFlow_ReusesExistingFlowOnSameContext(t *testing.T) {
	ctx, flow1 := withFlow(context.Background())
	ctx2, flow2 := withFlow(ctx)
	assert.Same(t, flow1, flow2)
	assert.Same(t, ctx, ctx2)
}
