package supervisor

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
)

// State is the lifecycle position of a worker
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

const (
	stderrTailSize    = 8 * 1024
	stderrExcerptSize = 500
)

// Handle is a live worker process. It is never persisted.
type Handle struct {
	Name          string
	IntegrationID uuid.UUID
	WorkerType    string
	PID           int
	StartedAt     time.Time

	cmd     *exec.Cmd
	stdout  *os.File
	client  *mcp.Client
	stderr  *tailBuffer
	done    chan struct{}
	waitErr error

	leaseToken    string
	stopHeartbeat func()
	cleanupOnce   sync.Once

	mu    sync.Mutex
	state State
}

// Client returns the stdio client of the worker
func (h *Handle) Client() *mcp.Client {
	return h.client
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Exited reports whether the process has been reaped
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// StderrExcerpt returns the last bytes the worker wrote to stderr
func (h *Handle) StderrExcerpt() string {
	return h.stderr.tail(stderrExcerptSize)
}

func (h *Handle) exitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// tailBuffer keeps the last size bytes written to it
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.size; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) <= n {
		return string(b.buf)
	}
	return string(b.buf[len(b.buf)-n:])
}
