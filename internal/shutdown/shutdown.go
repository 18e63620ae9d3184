// Package shutdown implements the shutdown coordinator (H): a broadcast
// cancellation flag plus a registry of live replay subprocesses, so a
// termination signal can reach every tracked child (spec §4.8, §5
// "Subprocess registry").
package shutdown

import (
	"context"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
)

// Registry is the one piece of unavoidable process-wide state (spec §9):
// a mutex-guarded set of PIDs, used only on shutdown.
type Registry struct {
	mu  sync.Mutex
	pid map[int]struct{}
}

// NewRegistry creates an empty subprocess registry.
func NewRegistry() *Registry {
	return &Registry{pid: make(map[int]struct{})}
}

// Track registers pid as belonging to a live replay subprocess.
func (r *Registry) Track(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid[pid] = struct{}{}
}

// Untrack removes pid once its subprocess has exited.
func (r *Registry) Untrack(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pid, pid)
}

// KillAll sends SIGTERM to the process group of every tracked PID. Errors
// are logged and otherwise ignored — a process that already exited is not
// a problem.
func (r *Registry) KillAll() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.pid))
	for pid := range r.pid {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			logging.Get().Warn("failed to signal subprocess group", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// Coordinator owns the broadcast cancellation flag (spec §4.8). All
// long-running loops in E/F/G derive their context from Context() and
// observe it in their wait/select paths.
type Coordinator struct {
	registry *Registry
	cancel   context.CancelFunc
	ctx      context.Context
}

// New derives a cancellable context from parent and wires it to registry.
func New(parent context.Context, registry *Registry) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{registry: registry, cancel: cancel, ctx: ctx}
}

// Context is watched by poller, processor, notifier, and the replay wait.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Shutdown sets the flag, then kills every tracked subprocess.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.registry.KillAll()
}
