package dispatch

import "github.com/warpgate/tokenpool/internal/warp"

// Next returns the next event, replaying the already-peeked first event
// exactly once before resuming reads from the underlying stream. The
// Dispatch Pipeline has to look at the first event to classify the
// initial outcome (spec.md §4.7 streaming considerations); the adapter
// consuming Result must still see it.
func (r *Result) Next() (*warp.Event, bool, error) {
	r.mu.Lock()
	if r.pending != nil || r.pendingSet {
		ev, hasMore := r.pending, r.pendingSet
		r.pending, r.pendingSet = nil, false
		r.mu.Unlock()

		if !hasMore {
			r.finish()
			return nil, false, nil
		}
		if ev.Kind == warp.EventEnd || ev.Kind == warp.EventError {
			r.finish()
		}
		return ev, true, nil
	}
	r.mu.Unlock()

	ev, ok, err := r.Stream.Next()
	if err != nil || !ok {
		r.finish()
		return ev, ok, err
	}
	if ev.Kind == warp.EventEnd || ev.Kind == warp.EventError {
		r.finish()
	}
	return ev, ok, nil
}

// Close releases the underlying connection and the account lease. Safe to
// call multiple times.
func (r *Result) Close() error {
	err := r.Stream.Close()
	r.finish()
	return err
}

func (r *Result) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return
	}
	r.final = true
	if r.lease != nil {
		r.lease.Release()
	}
}
