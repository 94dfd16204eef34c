package session

import (
	"context"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// queueItem is what the broadcast loop and Stop() post to a subscriber's
// queue: either a NAL unit or the end-of-stream sentinel.
type queueItem struct {
	unit []byte
	end  bool
}

// Subscriber is a lazy, finite sequence of NAL units delivered to one
// late-joiner. It is created by Session.Subscribe and consumed with
// Recv. Calling Close (or letting Recv observe the end-of-stream
// sentinel) guarantees the subscriber is removed from the session's set.
type Subscriber struct {
	sess  *Session
	queue chan queueItem

	// sync-up state, touched only by the goroutine calling Recv.
	hadPrefix bool
	syncedUp  bool
	sawSPS    bool
	sawPPS    bool
	pending   [][]byte

	closeOnce sync.Once
}

// deliver attempts a non-blocking put of u onto the subscriber's queue.
// On a full queue the unit is dropped for this subscriber only; the
// broadcast loop never blocks or retries.
func (sub *Subscriber) deliver(u []byte) {
	select {
	case sub.queue <- queueItem{unit: u}:
	default:
	}
}

// postEnd posts the end-of-stream sentinel, called by Session.Stop while
// holding the session lock. The send is non-blocking for the same
// reason as deliver: a stalled subscriber must never stall Stop.
func (sub *Subscriber) postEnd() {
	select {
	case sub.queue <- queueItem{end: true}:
	default:
		// Queue is full; drain one slot so the sentinel can land, since a
		// subscriber that never observes end-of-stream would never exit.
		select {
		case <-sub.queue:
		default:
		}
		sub.queue <- queueItem{end: true}
	}
}

// Recv returns the next unit in sync-up-filtered, order-preserving
// sequence, or (nil, false) when the sentinel is received or ctx is
// done. On either exit path the subscriber is removed from the
// session's set before returning.
func (sub *Subscriber) Recv(ctx context.Context) ([]byte, bool) {
	for {
		if len(sub.pending) > 0 {
			u := sub.pending[0]
			sub.pending = sub.pending[1:]
			return u, true
		}

		select {
		case item, ok := <-sub.queue:
			if !ok || item.end {
				sub.finish()
				return nil, false
			}
			sub.process(item.unit)
		case <-ctx.Done():
			sub.finish()
			return nil, false
		}
	}
}

// Close abandons the subscriber early, guaranteeing removal from the
// session's set. Safe to call multiple times and safe to call after
// Recv has already observed the end-of-stream sentinel.
func (sub *Subscriber) Close() {
	sub.finish()
}

func (sub *Subscriber) finish() {
	sub.closeOnce.Do(func() {
		sub.sess.remove(sub)
	})
}

// process implements the sync-up filter: verbatim forwarding once
// synced, but until the first live IDR at most one SPS, at most one
// PPS, and no non-IDR slices pass through.
func (sub *Subscriber) process(u []byte) {
	if sub.hadPrefix || sub.syncedUp {
		sub.pending = append(sub.pending, u)
		return
	}

	t := h264.NALUType(0)
	if len(u) >= 5 {
		t = h264.NALUType(u[4] & 0x1f)
	}

	switch t {
	case h264.NALUTypeSPS:
		if !sub.sawSPS {
			sub.pending = append(sub.pending, u)
			sub.sawSPS = true
		}
	case h264.NALUTypePPS:
		if !sub.sawPPS {
			sub.pending = append(sub.pending, u)
			sub.sawPPS = true
		}
	case h264.NALUTypeIDR:
		if !sub.sawSPS {
			if sps, _ := sub.sess.snapshotParameterSets(); len(sps) > 0 {
				sub.pending = append(sub.pending, sps)
			}
		}
		if !sub.sawPPS {
			if _, pps := sub.sess.snapshotParameterSets(); len(pps) > 0 {
				sub.pending = append(sub.pending, pps)
			}
		}
		sub.pending = append(sub.pending, u)
		sub.syncedUp = true
	case h264.NALUTypeNonIDR:
		// dropped: sync-up mode never forwards dependent slices
	default:
		// SEI/AUD/filler/etc: forwarded even before sync-up, matching the
		// broadcast rule that uncached types are still broadcast live.
		sub.pending = append(sub.pending, u)
	}
}
