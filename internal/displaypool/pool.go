// Package displaypool allocates headless virtual-display numbers under a
// cap, launching and tearing down a display server and window manager
// per allocation following the X11 lock-file/socket convention.
package displaypool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/virtdisplay/sessionstream/internal/apierr"
)

// DisplayID is a display number drawn from [base, base+max).
type DisplayID int

// CommandBuilder builds a display-server/window-manager/readiness-probe
// invocation for a given display id and geometry. Kept as a seam so
// this package never hard-codes a concrete binary.
type CommandBuilder func(id DisplayID, width, height int) (name string, args []string)

type entry struct {
	id            DisplayID
	width, height int
	displayPid    int
	wmPid         int
}

// Pool allocates and releases virtual displays.
type Pool struct {
	base, max int

	displayServer CommandBuilder
	windowManager CommandBuilder
	readyProbe    CommandBuilder

	readinessAttempts uint
	readinessInterval time.Duration
	wmSettle          time.Duration
	stopTimeout       time.Duration

	lockDir  string
	sockDir  string

	logger *slog.Logger

	mu      sync.Mutex
	entries map[DisplayID]*entry
}

// Options configures a Pool.
type Options struct {
	Base, Max int

	DisplayServer CommandBuilder
	WindowManager CommandBuilder
	ReadyProbe    CommandBuilder

	ReadinessAttempts uint
	ReadinessInterval time.Duration
	WMSettle          time.Duration
	StopTimeout       time.Duration

	// LockDir/SockDir default to /tmp and /tmp/.X11-unix, matching the
	// X11 convention of .X<id>-lock and .X11-unix/X<id>.
	LockDir, SockDir string

	Logger *slog.Logger
}

// New creates a Pool in the range [base, base+max).
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lockDir := opts.LockDir
	if lockDir == "" {
		lockDir = "/tmp"
	}
	sockDir := opts.SockDir
	if sockDir == "" {
		sockDir = "/tmp/.X11-unix"
	}
	return &Pool{
		base:              opts.Base,
		max:               opts.Max,
		displayServer:     opts.DisplayServer,
		windowManager:     opts.WindowManager,
		readyProbe:        opts.ReadyProbe,
		readinessAttempts: opts.ReadinessAttempts,
		readinessInterval: opts.ReadinessInterval,
		wmSettle:          opts.WMSettle,
		stopTimeout:       opts.StopTimeout,
		lockDir:           lockDir,
		sockDir:           sockDir,
		logger:            logger,
		entries:           make(map[DisplayID]*entry),
	}
}

func (p *Pool) lockPath(id DisplayID) string {
	return filepath.Join(p.lockDir, fmt.Sprintf(".X%d-lock", int(id)))
}

func (p *Pool) sockPath(id DisplayID) string {
	return filepath.Join(p.sockDir, fmt.Sprintf("X%d", int(id)))
}

// Count returns the number of currently allocated displays.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Allocate picks the smallest free display id in [base, base+max),
// cleans any stale lock, spawns the display server and window manager,
// and returns the id on success. On any failure everything spawned
// during this call is torn down before returning the error.
func (p *Pool) Allocate(ctx context.Context, width, height int) (DisplayID, error) {
	p.mu.Lock()
	if len(p.entries) >= p.max {
		p.mu.Unlock()
		return 0, fmt.Errorf("displaypool: %w (%d/%d)", apierr.ErrCapacityExceeded, len(p.entries), p.max)
	}

	var id DisplayID = -1
	for cand := DisplayID(p.base); cand < DisplayID(p.base+p.max); cand++ {
		if _, used := p.entries[cand]; !used {
			id = cand
			break
		}
	}
	if id == -1 {
		p.mu.Unlock()
		return 0, fmt.Errorf("displaypool: %w (%d/%d)", apierr.ErrCapacityExceeded, p.max, p.max)
	}
	// Reserve the id immediately so a concurrent Allocate can't pick it
	// while this one is still spawning.
	p.entries[id] = &entry{id: id, width: width, height: height}
	p.mu.Unlock()

	abort := func() {
		p.mu.Lock()
		delete(p.entries, id)
		p.mu.Unlock()
	}

	if occupied, err := p.cleanStaleLock(id); err != nil {
		abort()
		return 0, fmt.Errorf("displaypool: stale lock check for display %d: %w", id, err)
	} else if occupied {
		abort()
		return 0, fmt.Errorf("displaypool: display %d is occupied by a live process", id)
	}

	displayPid, err := p.spawnGroup(p.displayServer(id, width, height))
	if err != nil {
		abort()
		return 0, fmt.Errorf("displaypool: spawn display server: %w: %w", apierr.ErrInfrastructure, err)
	}

	if err := p.waitReady(ctx, id, width, height); err != nil {
		p.killGroup(displayPid, p.stopTimeout)
		_ = p.cleanLock(id)
		abort()
		return 0, fmt.Errorf("displaypool: display %d not ready: %w: %w", id, apierr.ErrInfrastructure, err)
	}

	wmPid, err := p.spawnGroup(p.windowManager(id, width, height))
	if err != nil {
		p.killGroup(displayPid, p.stopTimeout)
		_ = p.cleanLock(id)
		abort()
		return 0, fmt.Errorf("displaypool: spawn window manager: %w: %w", apierr.ErrInfrastructure, err)
	}

	time.Sleep(p.wmSettle)

	p.mu.Lock()
	p.entries[id] = &entry{
		id:         id,
		width:      width,
		height:     height,
		displayPid: displayPid,
		wmPid:      wmPid,
	}
	p.mu.Unlock()

	p.logger.Info("display allocated", "display_id", int(id), "width", width, "height", height)
	return id, nil
}

// Release stops the window manager then the display server (each
// TERM-then-KILL under the pool's stop timeout) and cleans the lock
// file. Unknown ids are a no-op.
func (p *Pool) Release(id DisplayID) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	p.killGroup(e.wmPid, p.stopTimeout)
	p.killGroup(e.displayPid, p.stopTimeout)
	if err := p.cleanLock(id); err != nil {
		p.logger.Warn("display lock cleanup failed", "display_id", int(id), "error", err)
	}

	p.logger.Info("display released", "display_id", int(id))
	return nil
}

// ReleaseAll best-effort releases every currently allocated display.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	ids := make([]DisplayID, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Release(id)
	}
}

func (p *Pool) cleanStaleLock(id DisplayID) (occupied bool, err error) {
	data, err := os.ReadFile(p.lockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && processAlive(pid) {
		return true, nil
	}

	return false, p.cleanLock(id)
}

func (p *Pool) cleanLock(id DisplayID) error {
	_ = os.Remove(p.sockPath(id))
	if err := os.Remove(p.lockPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (p *Pool) waitReady(ctx context.Context, id DisplayID, width, height int) error {
	return retry.Do(
		func() error {
			name, args := p.readyProbe(id, width, height)
			cmd := newCmd(name, args)
			if err := cmd.Run(); err != nil {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.readinessAttempts),
		retry.Delay(p.readinessInterval),
		retry.DelayType(retry.FixedDelay),
	)
}
