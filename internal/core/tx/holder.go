package tx

import "time"

// Holder is the reference-counted, timeout-aware base every concrete
// resource handle (a pooled connection, a channel, ...) embeds. A
// ResourceManager binds a *Holder (or a type embedding one) into the
// flow-local registry under a Key; the registry evicts holders whose Void
// flag is set, lazily, on the next lookup.
type Holder struct {
	synchronizedWithTx bool
	rollbackOnly       bool
	hasDeadline        bool
	deadline           time.Time
	refCount           int
	void               bool

	now func() time.Time // overridable for tests; defaults to time.Now
}

// NewHolder returns a zero-value Holder ready to bind.
func NewHolder() *Holder {
	return &Holder{now: time.Now}
}

func (h *Holder) clockNow() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// SynchronizedWithTransaction reports whether this holder has been marked as
// participating in the current physical transaction.
func (h *Holder) SynchronizedWithTransaction() bool { return h.synchronizedWithTx }

// SetSynchronizedWithTransaction sets that flag.
func (h *Holder) SetSynchronizedWithTransaction(v bool) { h.synchronizedWithTx = v }

// RollbackOnly reports the holder's local rollback-only flag.
func (h *Holder) RollbackOnly() bool { return h.rollbackOnly }

// SetRollbackOnly marks the holder rollback-only.
func (h *Holder) SetRollbackOnly() { h.rollbackOnly = true }

// HasTimeout reports whether a deadline has been set on this holder.
func (h *Holder) HasTimeout() bool { return h.hasDeadline }

// SetTimeout establishes a deadline `d` from now.
func (h *Holder) SetTimeout(d time.Duration) {
	h.hasDeadline = true
	h.deadline = h.clockNow().Add(d)
}

// Deadline returns the configured deadline. Only meaningful if HasTimeout().
func (h *Holder) Deadline() time.Time { return h.deadline }

// TimeToLiveMillis returns the time remaining until the deadline. If a
// deadline is set and has already passed (remaining <= 0), the holder is
// marked rollback-only and a *Error of KindTimedOut is returned alongside
// the (non-positive) remainder.
func (h *Holder) TimeToLiveMillis() (time.Duration, error) {
	if !h.hasDeadline {
		return 0, nil
	}
	remaining := h.deadline.Sub(h.clockNow())
	if remaining <= 0 {
		h.rollbackOnly = true
		return remaining, newError(KindTimedOut, "transaction timed out")
	}
	return remaining, nil
}

// TimeToLiveSeconds is TimeToLiveMillis rounded up to whole seconds, per the
// spec's "time-to-live computation rounds up to whole seconds" rule.
func (h *Holder) TimeToLiveSeconds() (int, error) {
	remaining, err := h.TimeToLiveMillis()
	if remaining <= 0 {
		return 0, err
	}
	seconds := remaining / time.Second
	if remaining%time.Second != 0 {
		seconds++
	}
	return int(seconds), err
}

// Requested increments the reference count; call when a caller starts using
// this holder's resource.
func (h *Holder) Requested() { h.refCount++ }

// Released decrements the reference count; call when a caller is done with
// this holder's resource. Never goes below zero.
func (h *Holder) Released() {
	if h.refCount > 0 {
		h.refCount--
	}
}

// RefCount returns the current reference count.
func (h *Holder) RefCount() int { return h.refCount }

// IsOpen reports whether the holder is still in use by at least one caller.
func (h *Holder) IsOpen() bool { return h.refCount > 0 }

// Clear zeroes transactional state (rollback-only, synchronized flag,
// deadline) but preserves the reference count — used when a holder is
// being recycled for a new transaction but is still checked out.
func (h *Holder) Clear() {
	h.synchronizedWithTx = false
	h.rollbackOnly = false
	h.hasDeadline = false
	h.deadline = time.Time{}
}

// Reset is Clear plus zeroing the reference count, for a holder that is
// being fully recycled.
func (h *Holder) Reset() {
	h.Clear()
	h.refCount = 0
}

// Unbound marks the holder void: from this point on the registry treats a
// lookup for this holder's key as a miss and evicts it lazily.
func (h *Holder) Unbound() { h.void = true }

// IsVoid reports whether Unbound has been called.
func (h *Holder) IsVoid() bool { return h.void }
