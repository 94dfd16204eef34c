// Package session implements the per-display stream session: it wraps an
// encoder source and a NAL extractor, maintains a late-join cache of
// parameter sets and the current GOP, and multicasts units to bounded
// per-subscriber queues with a backpressure-drop policy.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/virtdisplay/sessionstream/internal/encoder"
)

// Status is the session lifecycle state (monotonic except stopped -> starting).
type Status int

const (
	StatusCreated Status = iota
	StatusStarting
	StatusStreaming
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusStreaming:
		return "streaming"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the immutable-after-creation configuration of a session.
type Config struct {
	Width, Height, Framerate, Bitrate, GOPSize int
	Display                                    string
}

// Session is the per-display streaming pipeline (C3).
type Session struct {
	id        string
	config    Config
	url       string
	createdAt time.Time

	src         *encoder.Source
	queueSize   int
	gopCapBytes int
	stopTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	status      Status
	lastSPS     []byte
	lastPPS     []byte
	gopNALs     [][]byte
	gopBytes    int
	gopHasIDR   bool
	subscribers map[*Subscriber]struct{}

	cancelBroadcast context.CancelFunc
	broadcastDone   chan struct{}
}

// New creates a session in the "created" state. It does not start the
// encoder; call Start for that.
func New(id string, cfg Config, url string, src *encoder.Source, queueSize, gopCapBytes int, stopTimeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		id:          id,
		config:      cfg,
		url:         url,
		createdAt:   time.Now(),
		src:         src,
		queueSize:   queueSize,
		gopCapBytes: gopCapBytes,
		stopTimeout: stopTimeout,
		logger:      logger,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) URL() string            { return s.url }
func (s *Session) Display() string        { return s.config.Display }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }
func (s *Session) Resolution() (int, int) { return s.config.Width, s.config.Height }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SubscriberCount returns the number of currently attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Start is legal only from created or stopped. It starts the encoder
// source and spawns the broadcast loop, transitioning starting ->
// streaming.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusCreated && s.status != StatusStopped {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("session: cannot start from state %s", st)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	stdout, err := s.src.Start(ctx)
	if err != nil {
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		return fmt.Errorf("session: start encoder: %w", err)
	}

	broadcastCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelBroadcast = cancel
	s.broadcastDone = make(chan struct{})
	s.status = StatusStreaming
	s.mu.Unlock()

	go s.broadcastLoop(broadcastCtx, s.src.Stream(stdout))

	return nil
}

// Stop is idempotent: a no-op from stopped/stopping. It stops the
// encoder, cancels and awaits the broadcast task, posts an end-of-stream
// sentinel to every subscriber, clears the subscriber set, and
// transitions to stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	cancel := s.cancelBroadcast
	done := s.broadcastDone
	s.mu.Unlock()

	s.src.Stop(s.stopTimeout)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	for sub := range s.subscribers {
		sub.postEnd()
	}
	s.subscribers = make(map[*Subscriber]struct{})
	s.status = StatusStopped
	s.mu.Unlock()

	s.logger.Info("session stopped", "session_id", s.id)
}

// broadcastLoop drains the encoder's NAL stream, updates the GOP cache,
// and fans each unit out to every attached subscriber's queue without
// blocking. It never holds the session lock across a subscriber send.
func (s *Session) broadcastLoop(ctx context.Context, units <-chan []byte) {
	defer close(s.broadcastDone)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("broadcast loop cancelled", "session_id", s.id)
			return
		case u, ok := <-units:
			if !ok {
				s.logger.Debug("broadcast loop: encoder EOF", "session_id", s.id)
				return
			}
			s.updateGOPCache(u)

			s.mu.Lock()
			snapshot := make([]*Subscriber, 0, len(s.subscribers))
			for sub := range s.subscribers {
				snapshot = append(snapshot, sub)
			}
			s.mu.Unlock()

			for _, sub := range snapshot {
				sub.deliver(u)
			}
		}
	}
}

// updateGOPCache folds one broadcast unit into the parameter-set and
// current-GOP caches used to bootstrap late joiners.
func (s *Session) updateGOPCache(u []byte) {
	t := h264.NALUType(0)
	if len(u) >= 5 {
		t = h264.NALUType(u[4] & 0x1f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch t {
	case h264.NALUTypeSPS:
		s.lastSPS = u
	case h264.NALUTypePPS:
		s.lastPPS = u
	case h264.NALUTypeIDR:
		s.gopNALs = s.gopNALs[:0]
		s.gopBytes = 0
		if len(s.lastSPS) > 0 {
			s.gopNALs = append(s.gopNALs, s.lastSPS)
			s.gopBytes += len(s.lastSPS)
		}
		if len(s.lastPPS) > 0 {
			s.gopNALs = append(s.gopNALs, s.lastPPS)
			s.gopBytes += len(s.lastPPS)
		}
		s.gopNALs = append(s.gopNALs, u)
		s.gopBytes += len(u)
		s.gopHasIDR = true
	case h264.NALUTypeNonIDR:
		if s.gopHasIDR {
			s.gopNALs = append(s.gopNALs, u)
			s.gopBytes += len(u)
			if s.gopBytes > s.gopCapBytes {
				s.logger.Warn("session: GOP cache over byte cap, cleared until next IDR",
					"session_id", s.id, "gop_bytes", s.gopBytes, "cap", s.gopCapBytes)
				s.gopNALs = nil
				s.gopBytes = 0
				s.gopHasIDR = false
			}
		}
	}
}

// snapshotParameterSets returns the most recent SPS/PPS seen, for use by
// a subscriber exiting sync-up mode.
func (s *Session) snapshotParameterSets() (sps, pps []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSPS, s.lastPPS
}

// Subscribe attaches a new subscriber and returns it. Legal in any
// state. The snapshot-then-register sequence happens under the session
// lock so no live unit can reach this subscriber before its late-join
// snapshot.
func (s *Session) Subscribe() *Subscriber {
	s.mu.Lock()

	var snapshot [][]byte
	hadPrefix := s.gopHasIDR
	if hadPrefix {
		snapshot = make([][]byte, len(s.gopNALs))
		copy(snapshot, s.gopNALs)
	}

	queueSize := s.queueSize + len(snapshot)

	sub := &Subscriber{
		sess:      s,
		queue:     make(chan queueItem, queueSize),
		hadPrefix: hadPrefix,
	}
	for _, u := range snapshot {
		sub.queue <- queueItem{unit: u}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

// remove detaches a subscriber from the set under the session lock.
func (s *Session) remove(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}
