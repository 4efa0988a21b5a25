package tx

import "context"

// Key identifies a bound resource in the flow-local registry. It is
// typically the resource factory (e.g. a *pgxpool.Pool) so that the same
// factory always maps to the same holder within a flow. Keys are compared
// with ==. The internal registry view can first apply an UnwrapKeyFunc
// (see Coordinator.WithUnwrapKey); CurrentResource, BindResource and
// UnbindResourceIfPossible compare keys without one.
type Key any

// flowState is the mutable per-flow record withFlow attaches to a context:
// the bound resources, the synchronization set and the active-transaction
// attributes.
type flowState struct {
	resources map[Key]any

	syncActive bool
	syncs      []Synchronization

	txName       string
	readOnly     bool
	hasIsolation bool
	isolation    Isolation
	actualActive bool
}

func newFlowState() *flowState {
	return &flowState{resources: make(map[Key]any)}
}

func (s *flowState) clear() {
	s.resources = make(map[Key]any)
	s.syncActive = false
	s.syncs = nil
	s.txName = ""
	s.readOnly = false
	s.hasIsolation = false
	s.isolation = IsolationDefault
	s.actualActive = false
}

type flowKeyType struct{}

var flowKey flowKeyType

// UnwrapKeyFunc lets proxy wrappers expose the factory they decorate so two
// different Key values that both refer to "the same resource" collide in
// the registry as intended.
type UnwrapKeyFunc func(Key) Key

func identityUnwrap(k Key) Key { return k }

// withFlow returns a context carrying a *flowState, creating one if ctx
// doesn't already carry one; every Coordinator that sees the returned
// context shares that same flowState. The caller must thread
// the returned context through every subsequent coordinator call on this
// logical flow — mirroring the otel tracer.Start(ctx) (context.Context, Span)
// idiom already used by this module's Postgres resource manager.
func withFlow(ctx context.Context) (context.Context, *flowState) {
	if st, ok := ctx.Value(flowKey).(*flowState); ok {
		return ctx, st
	}
	st := newFlowState()
	return context.WithValue(ctx, flowKey, st), st
}

// flowFrom returns the *flowState bound to ctx, or nil if Begin was never
// called on this context chain.
func flowFrom(ctx context.Context) *flowState {
	st, _ := ctx.Value(flowKey).(*flowState)
	return st
}

// CurrentResource returns the resource bound under key on ctx's flow, if
// any. It lets code outside the Coordinator (typically a repository that
// just wants "whatever connection is active right now") read the same
// binding a ResourceManager's hooks see, without going through Begin or
// Commit. Returns false if no flow is active on ctx or nothing is bound
// under key.
func CurrentResource(ctx context.Context, key Key) (any, bool) {
	flow := flowFrom(ctx)
	if flow == nil {
		return nil, false
	}
	return newRegistry(flow, nil).GetResource(key)
}

// BindResource binds value under key on ctx's flow. A ResourceManager
// calls this from its Begin hook to make the transaction object it just
// created visible to later GetTransaction/QuerierFor calls on the same
// flow. Fails if ctx carries no flow (Begin was never called) or key is
// already bound.
func BindResource(ctx context.Context, key Key, value any) error {
	flow := flowFrom(ctx)
	if flow == nil {
		return newError(KindIllegalState, "context carries no active transactional flow")
	}
	return newRegistry(flow, nil).BindResource(key, value)
}

// UnbindResourceIfPossible removes the binding for key on ctx's flow, if
// present, returning (value, true) on success or (nil, false) if nothing
// was bound (including when ctx carries no flow at all).
func UnbindResourceIfPossible(ctx context.Context, key Key) (any, bool) {
	flow := flowFrom(ctx)
	if flow == nil {
		return nil, false
	}
	return newRegistry(flow, nil).UnbindResourceIfPossible(key)
}

// RegisterSynchronization appends s to ctx's flow's active synchronization
// set, so the Coordinator invokes it alongside every other registered
// Synchronization when the current scope completes. Lets a component
// outside the Coordinator (typically a domain service that just began a
// scope) opt a Synchronization into that scope without reaching into the
// unexported registry/flowState types. Fails if ctx carries no flow, or if
// the flow's synchronization set isn't active (Begin activates it for
// every scope under SyncAlways, only for scopes that begin or join a
// transaction under SyncOnActualTransaction, and never under SyncNever).
func RegisterSynchronization(ctx context.Context, s Synchronization) error {
	flow := flowFrom(ctx)
	if flow == nil {
		return newError(KindIllegalState, "context carries no active transactional flow")
	}
	return newRegistry(flow, nil).RegisterSynchronization(s)
}

// registry is a thin, per-call view over a *flowState that applies the
// UnwrapKey hook. It has no state of its own — it is cheap to construct on
// every coordinator operation.
type registry struct {
	state   *flowState
	unwrap  UnwrapKeyFunc
}

func newRegistry(state *flowState, unwrap UnwrapKeyFunc) *registry {
	if unwrap == nil {
		unwrap = identityUnwrap
	}
	return &registry{state: state, unwrap: unwrap}
}

func (r *registry) key(k Key) Key { return r.unwrap(k) }

// HasResource reports whether a non-void holder is bound under key.
func (r *registry) HasResource(k Key) bool {
	_, ok := r.GetResource(k)
	return ok
}

// GetResource returns the holder bound under key. A holder whose Unbound()
// flag is set is treated as absent and lazily evicted from the map.
func (r *registry) GetResource(k Key) (any, bool) {
	k = r.key(k)
	v, ok := r.state.resources[k]
	if !ok {
		return nil, false
	}
	if h, ok2 := v.(interface{ IsVoid() bool }); ok2 && h.IsVoid() {
		delete(r.state.resources, k)
		return nil, false
	}
	return v, true
}

// BindResource binds value under key. Fails if something is already bound
// there (without first being unbound) — silent overwrite is forbidden.
func (r *registry) BindResource(k Key, value any) error {
	k = r.key(k)
	if _, exists := r.GetResource(k); exists {
		return newError(KindIllegalState, "resource already bound for this key")
	}
	r.state.resources[k] = value
	return nil
}

// UnbindResource removes the binding for key. Fails if nothing is bound.
func (r *registry) UnbindResource(k Key) (any, error) {
	k = r.key(k)
	v, ok := r.GetResource(k)
	if !ok {
		return nil, newError(KindIllegalState, "no resource bound for this key")
	}
	delete(r.state.resources, k)
	return v, nil
}

// UnbindResourceIfPossible removes the binding for key if present, silently
// doing nothing otherwise.
func (r *registry) UnbindResourceIfPossible(k Key) (any, bool) {
	k = r.key(k)
	v, ok := r.GetResource(k)
	if !ok {
		return nil, false
	}
	delete(r.state.resources, k)
	return v, true
}

// InitSynchronization activates the synchronization set for this flow.
// Fails if already active.
func (r *registry) InitSynchronization() error {
	if r.state.syncActive {
		return newError(KindIllegalState, "synchronization already active")
	}
	r.state.syncActive = true
	r.state.syncs = nil
	return nil
}

// ClearSynchronization deactivates the synchronization set. Fails if not
// active.
func (r *registry) ClearSynchronization() ([]Synchronization, error) {
	if !r.state.syncActive {
		return nil, newError(KindIllegalState, "synchronization not active")
	}
	syncs := r.state.syncs
	r.state.syncActive = false
	r.state.syncs = nil
	return syncs, nil
}

// IsSynchronizationActive reports whether InitSynchronization has been
// called without a matching ClearSynchronization.
func (r *registry) IsSynchronizationActive() bool { return r.state.syncActive }

// RegisterSynchronization appends sync to the active set. Fails if
// synchronization isn't active.
func (r *registry) RegisterSynchronization(s Synchronization) error {
	if !r.state.syncActive {
		return newError(KindIllegalState, "synchronization not active")
	}
	r.state.syncs = append(r.state.syncs, s)
	return nil
}

// Synchronizations returns the current (unsorted) synchronization slice.
// Callers that need a stable, order-sorted snapshot should use
// synchronizationSnapshot instead.
func (r *registry) Synchronizations() []Synchronization { return r.state.syncs }

func (r *registry) TxName() string          { return r.state.txName }
func (r *registry) SetTxName(name string)   { r.state.txName = name }
func (r *registry) ReadOnly() bool          { return r.state.readOnly }
func (r *registry) SetReadOnly(v bool)      { r.state.readOnly = v }
func (r *registry) ActualActive() bool      { return r.state.actualActive }
func (r *registry) SetActualActive(v bool)  { r.state.actualActive = v }

// CurrentIsolation returns the isolation recorded for the active scope, and
// whether one has been recorded at all (as opposed to IsolationDefault
// meaning "explicitly DEFAULT").
func (r *registry) CurrentIsolation() (Isolation, bool) {
	return r.state.isolation, r.state.hasIsolation
}

func (r *registry) SetCurrentIsolation(i Isolation, present bool) {
	r.state.isolation = i
	r.state.hasIsolation = present
}

// ClearAttributes resets txName/readOnly/isolation/actualActive to their
// zero values, without touching bound resources or synchronizations.
func (r *registry) ClearAttributes() {
	r.state.txName = ""
	r.state.readOnly = false
	r.state.hasIsolation = false
	r.state.isolation = IsolationDefault
	r.state.actualActive = false
}

// Clear resets synchronization and every per-flow attribute to defaults,
// per §4.1. Bound resources are untouched (they are drained explicitly by
// suspend/resume, not by Clear).
func (r *registry) Clear() {
	r.state.syncActive = false
	r.state.syncs = nil
	r.ClearAttributes()
}
