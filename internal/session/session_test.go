package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtdisplay/sessionstream/internal/encoder"
)

func unit(typ byte, n int) []byte {
	u := make([]byte, 4+n)
	u[0], u[1], u[2], u[3] = 0, 0, 0, 1
	if n > 0 {
		u[4] = typ
	}
	return u
}

func spsUnit() []byte { return unit(0x67, 4) } // type 7
func ppsUnit() []byte { return unit(0x68, 4) } // type 8
func idrUnit() []byte { return unit(0x65, 8) } // type 5
func slcUnit() []byte { return unit(0x61, 8) } // type 1 (non-IDR)

func newBareSession() *Session {
	return New("s1", Config{}, "", nil, 200, 4<<20, 5*time.Second, nil)
}

func drainSync(s *Session, units ...[]byte) {
	for _, u := range units {
		s.updateGOPCache(u)
		s.mu.Lock()
		subs := make([]*Subscriber, 0, len(s.subscribers))
		for sub := range s.subscribers {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.deliver(u)
		}
	}
}

func recvAll(t *testing.T, sub *Subscriber, timeout time.Duration) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var got [][]byte
	for {
		select {
		case <-ctx.Done():
			return got
		default:
		}
		shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		u, ok := sub.Recv(shortCtx)
		shortCancel()
		if !ok {
			return got
		}
		got = append(got, u)
	}
}

func TestLateJoin_WithCache(t *testing.T) {
	s := newBareSession()
	drainSync(s, spsUnit(), ppsUnit(), idrUnit(), slcUnit())

	sub := s.Subscribe()
	got := recvAll(t, sub, 100*time.Millisecond)

	require.Len(t, got, 4)
	assert.Equal(t, spsUnit(), got[0])
	assert.Equal(t, ppsUnit(), got[1])
	assert.Equal(t, idrUnit(), got[2])
	assert.Equal(t, slcUnit(), got[3])
}

func TestLateJoin_WithoutIDR(t *testing.T) {
	s := newBareSession()
	drainSync(s, spsUnit(), ppsUnit())

	sub := s.Subscribe()
	got := recvAll(t, sub, 100*time.Millisecond)
	assert.Empty(t, got)
}

func TestSubscribe_SyncUpThenIDR(t *testing.T) {
	s := newBareSession()
	sub := s.Subscribe() // subscribes before anything has streamed

	go drainSync(s, spsUnit(), slcUnit(), ppsUnit(), slcUnit(), idrUnit(), slcUnit())

	got := recvAll(t, sub, 500*time.Millisecond)
	require.Len(t, got, 4)
	assert.Equal(t, spsUnit(), got[0])
	assert.Equal(t, ppsUnit(), got[1])
	assert.Equal(t, idrUnit(), got[2])
	assert.Equal(t, slcUnit(), got[3])
}

func TestSubscribe_SyncUpMissingParamsBorrowedAtIDR(t *testing.T) {
	s := newBareSession()
	sub := s.Subscribe()

	// No live SPS/PPS ever arrive for this subscriber to see directly, but
	// the session has cached ones from an earlier GOP.
	s.lastSPS = spsUnit()
	s.lastPPS = ppsUnit()

	go drainSync(s, idrUnit())

	got := recvAll(t, sub, 300*time.Millisecond)
	require.Len(t, got, 3)
	assert.Equal(t, spsUnit(), got[0])
	assert.Equal(t, ppsUnit(), got[1])
	assert.Equal(t, idrUnit(), got[2])
}

func TestMulticast_TwoSubscribersSameOrder(t *testing.T) {
	s := newBareSession()
	s.gopHasIDR = false // both subscribe before any IDR
	subA := s.Subscribe()
	subB := s.Subscribe()

	drainSync(s, spsUnit(), ppsUnit(), idrUnit(), slcUnit())

	gotA := recvAll(t, subA, 200*time.Millisecond)
	gotB := recvAll(t, subB, 200*time.Millisecond)

	require.Len(t, gotA, 4)
	require.Len(t, gotB, 4)
	assert.Equal(t, gotA, gotB)
}

func TestSubscriberCleanup_RestoresCount(t *testing.T) {
	s := newBareSession()
	before := s.SubscriberCount()

	sub := s.Subscribe()
	assert.Equal(t, before+1, s.SubscriberCount())

	sub.Close()
	assert.Equal(t, before, s.SubscriberCount())
}

func TestGOPCache_ClearsPastByteCap(t *testing.T) {
	s := New("s1", Config{}, "", nil, 200, 16, 5*time.Second, nil) // tiny 16-byte GOP cap
	s.updateGOPCache(spsUnit())
	s.updateGOPCache(ppsUnit())
	s.updateGOPCache(idrUnit())
	assert.True(t, s.gopHasIDR)

	s.updateGOPCache(slcUnit()) // non-IDR append runs the cap check: 40 bytes > 16
	assert.False(t, s.gopHasIDR)
	assert.Empty(t, s.gopNALs)
}

func TestStartStopLifecycle(t *testing.T) {
	build := func() (string, []string) {
		return "/bin/sh", []string{"-c", `printf '\x00\x00\x00\x01\x67\x00\x00\x00\x00\x00\x00\x01\x68\x00\x00\x00\x00\x00\x00\x01\x65\x00\x00\x00\x00\x00\x00\x00'; sleep 5`}
	}
	src := encoder.New(build, 32*1024, 1<<20, 1<<22, nil)
	s := New("s1", Config{}, "", src, 200, 4<<20, 2*time.Second, nil)

	require.Equal(t, StatusCreated, s.Status())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StatusStreaming, s.Status())

	// starting twice while streaming must fail
	assert.Error(t, s.Start(ctx))

	s.Stop()
	assert.Equal(t, StatusStopped, s.Status())

	// stop is idempotent
	s.Stop()
	assert.Equal(t, StatusStopped, s.Status())
}

func TestStop_EndsActiveSubscribers(t *testing.T) {
	build := func() (string, []string) {
		return "/bin/sh", []string{"-c", `printf '\x00\x00\x00\x01\x67\x00\x00\x00'; sleep 5`}
	}
	src := encoder.New(build, 32*1024, 1<<20, 1<<22, nil)
	s := New("s1", Config{}, "", src, 200, 4<<20, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	sub := s.Subscribe()

	done := make(chan struct{})
	go func() {
		// One long-lived Recv context, so only the end-of-stream sentinel
		// posted by Stop (not an idle gap) ends the loop within the wait.
		recvCtx, recvCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer recvCancel()
		for {
			if _, ok := sub.Recv(recvCtx); !ok {
				break
			}
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not observe end-of-stream after Stop")
	}
}
