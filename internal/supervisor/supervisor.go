// Package supervisor launches, tracks and stops per-owner worker processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/monitoring"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
	"golang.org/x/sys/unix"
)

// BundleOpener decrypts an integration's secrets
type BundleOpener interface {
	OpenBundle(integration *model.Integration) (*model.CredentialBundle, error)
}

// PIDStore records the advisory worker PID on the integration row
type PIDStore interface {
	SetWorkerPID(ctx context.Context, id uuid.UUID, pid *int) error
}

// Config holds the supervisor timings and collaborators
type Config struct {
	StartupGrace time.Duration
	StopGrace    time.Duration
	RestartPause time.Duration
	LeaseTTL     time.Duration
	ClientInfo   mcp.ClientInfo

	// Leases defaults to a process-local registry
	Leases Lease
	// PIDs is optional
	PIDs PIDStore
}

func (c *Config) defaults() {
	if c.StartupGrace <= 0 {
		c.StartupGrace = 2 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.RestartPause < 0 {
		c.RestartPause = 0
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo = mcp.ClientInfo{Name: "integration-isolation-service", Version: "1.0.0"}
	}
	if c.Leases == nil {
		c.Leases = NewLocalLeases()
	}
}

// Supervisor owns every worker process started by this instance
type Supervisor struct {
	cfg       Config
	providers *provider.Registry
	vault     BundleOpener
	files     *credfile.Materializer
	sandbox   *sandbox.Sandbox

	keyLocks sync.Map // process name -> *sync.Mutex

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(cfg Config, providers *provider.Registry, vault BundleOpener, files *credfile.Materializer, sb *sandbox.Sandbox) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:       cfg,
		providers: providers,
		vault:     vault,
		files:     files,
		sandbox:   sb,
		handles:   make(map[string]*Handle),
	}
}

func (s *Supervisor) lockKey(name string) func() {
	m, _ := s.keyLocks.LoadOrStore(name, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Supervisor) lookup(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}

// Start launches the integration's worker unless a live one is already
// registered, in which case that handle is returned
func (s *Supervisor) Start(ctx context.Context, integration *model.Integration) (*Handle, error) {
	return s.start(ctx, integration, time.Time{})
}

// StartFresh is Start, except that a live worker launched before since is
// replaced so it reads credentials written after that point
func (s *Supervisor) StartFresh(ctx context.Context, integration *model.Integration, since time.Time) (*Handle, error) {
	return s.start(ctx, integration, since)
}

func (s *Supervisor) start(ctx context.Context, integration *model.Integration, since time.Time) (*Handle, error) {
	if !integration.UsesWorker() {
		return nil, errs.ErrNotWorkerMode
	}
	name := integration.ProcessName()
	unlock := s.lockKey(name)
	defer unlock()

	if h := s.lookup(name); h != nil {
		switch {
		case h.Exited():
			// crashed since last use, its exit path has already cleaned up
			s.cleanup(h)
		case h.StartedAt.Before(since):
			log.Info().Str("process_name", name).Msg("Replacing worker started before its credentials changed")
			s.stopLocked(ctx, name, integration.ID, nil)
		default:
			return h, nil
		}
	}

	p, err := s.providers.Lookup(integration.IntegrationType)
	if err != nil {
		return nil, err
	}

	token, err := s.cfg.Leases.Acquire(ctx, name, s.cfg.LeaseTTL)
	if err != nil {
		monitoring.WorkerStarts.WithLabelValues(p.WorkerType, "lease_held").Inc()
		return nil, fmt.Errorf("acquiring lease for %s: %w", name, err)
	}

	h, err := s.launch(ctx, integration, p, name)
	if err != nil {
		if relErr := s.cfg.Leases.Release(context.Background(), name, token); relErr != nil {
			log.Warn().Err(relErr).Str("process_name", name).Msg("Failed to release worker lease")
		}
		monitoring.WorkerStarts.WithLabelValues(p.WorkerType, "failed").Inc()
		return nil, err
	}
	h.leaseToken = token

	hbCtx, cancel := context.WithCancel(context.Background())
	h.stopHeartbeat = cancel
	go s.heartbeat(hbCtx, h)

	s.mu.Lock()
	s.handles[name] = h
	monitoring.ActiveWorkers.Set(float64(len(s.handles)))
	s.mu.Unlock()
	monitoring.WorkerStarts.WithLabelValues(p.WorkerType, "success").Inc()

	go s.watch(h)

	pid := h.PID
	integration.WorkerPID = &pid
	s.recordPID(ctx, integration.ID, &pid)

	log.Info().
		Str("process_name", name).
		Int("pid", pid).
		Str("integration_type", integration.IntegrationType).
		Msg("Started worker")
	return h, nil
}

func (s *Supervisor) launch(ctx context.Context, integration *model.Integration, p *provider.Provider, name string) (*Handle, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("provider %s has no worker command", p.Type)
	}

	bundle, err := s.vault.OpenBundle(integration)
	if err != nil {
		return nil, err
	}
	if _, err := s.files.Write(integration, bundle); err != nil {
		return nil, err
	}
	dir, err := s.files.Dir(integration)
	if err != nil {
		return nil, err
	}

	env := s.sandbox.BuildEnv(integration, p, dir.Path(), bundle.Config)
	bin, err := lookPath(p.Command[0], env["PATH"])
	if err != nil {
		return nil, &errs.WorkerStartFailedError{ProcessName: name, ExitCode: -1, Err: err}
	}

	cmd := exec.Command(bin, p.Command[1:]...)
	cmd.Dir = dir.Path()
	cmd.Env = sandbox.Environ(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// grandchildren may hold stderr open after the leader exits
	cmd.WaitDelay = time.Second

	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &errs.WorkerStartFailedError{ProcessName: name, ExitCode: -1, Err: err}
	}
	stdoutW.Close()

	h := &Handle{
		Name:          name,
		IntegrationID: integration.ID,
		WorkerType:    p.WorkerType,
		PID:           cmd.Process.Pid,
		StartedAt:     time.Now(),
		cmd:           cmd,
		stdout:        stdoutR,
		stderr:        stderr,
		done:          make(chan struct{}),
		state:         StateStarting,
	}
	h.client = mcp.NewClient(name, stdin, stdoutR, s.cfg.ClientInfo)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	timer := time.NewTimer(s.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		h.setState(StateCrashed)
		s.closeStdout(h)
		excerpt := h.StderrExcerpt()
		log.Error().
			Str("process_name", name).
			Int("exit_code", h.exitCode()).
			Str("stderr", excerpt).
			Msg("Worker exited during startup")
		return nil, &errs.WorkerStartFailedError{ProcessName: name, ExitCode: h.exitCode(), Stderr: excerpt}
	case <-ctx.Done():
		s.kill(h, unix.SIGKILL)
		<-h.done
		s.closeStdout(h)
		return nil, ctx.Err()
	case <-timer.C:
	}

	h.setState(StateRunning)
	return h, nil
}

// watch reacts to a worker exiting on its own
func (s *Supervisor) watch(h *Handle) {
	<-h.done
	if h.State() == StateStopping {
		return
	}
	h.setState(StateCrashed)
	log.Error().
		Err(h.waitErr).
		Str("process_name", h.Name).
		Int("pid", h.PID).
		Int("exit_code", h.exitCode()).
		Str("stderr", h.StderrExcerpt()).
		Msg("Worker exited unexpectedly")
	monitoring.Alert("Worker crashed", map[string]interface{}{"process_name": h.Name, "exit_code": h.exitCode()})
	s.cleanup(h)
	s.recordPID(context.Background(), h.IntegrationID, nil)
}

func (s *Supervisor) heartbeat(ctx context.Context, h *Handle) {
	ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.cfg.Leases.Renew(ctx, h.Name, h.leaseToken, s.cfg.LeaseTTL)
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, errs.ErrLeaseHeld):
				log.Error().Str("process_name", h.Name).Int("pid", h.PID).Msg("Worker lease lost, stopping local worker")
				monitoring.Alert("Worker lease lost", map[string]interface{}{"process_name": h.Name})
				s.stopLost(h)
				return
			default:
				log.Warn().Err(err).Str("process_name", h.Name).Msg("Failed to renew worker lease")
			}
		}
	}
}

// stopLost stops a worker whose lease expired and may now belong to another
// instance. The stored PID is left alone since it may be the new owner's.
func (s *Supervisor) stopLost(h *Handle) {
	unlock := s.lockKey(h.Name)
	defer unlock()
	if s.lookup(h.Name) != h {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace+5*time.Second)
	defer cancel()
	s.stopLocked(ctx, h.Name, uuid.Nil, nil)
}

// cleanup forgets a handle whose process has exited. Safe to call repeatedly.
func (s *Supervisor) cleanup(h *Handle) {
	h.cleanupOnce.Do(func() {
		s.mu.Lock()
		if s.handles[h.Name] == h {
			delete(s.handles, h.Name)
		}
		monitoring.ActiveWorkers.Set(float64(len(s.handles)))
		s.mu.Unlock()

		if h.stopHeartbeat != nil {
			h.stopHeartbeat()
		}
		if h.leaseToken != "" {
			if err := s.cfg.Leases.Release(context.Background(), h.Name, h.leaseToken); err != nil {
				log.Warn().Err(err).Str("process_name", h.Name).Msg("Failed to release worker lease")
			}
		}
		s.closeStdout(h)
	})
}

func (s *Supervisor) closeStdout(h *Handle) {
	select {
	case <-h.client.Done():
	case <-time.After(time.Second):
	}
	h.stdout.Close()
}

func (s *Supervisor) recordPID(ctx context.Context, id uuid.UUID, pid *int) {
	if s.cfg.PIDs == nil || id == uuid.Nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cfg.PIDs.SetWorkerPID(ctx, id, pid); err != nil {
		log.Warn().Err(err).Str("integration_id", id.String()).Msg("Failed to record worker PID")
	}
}

func (s *Supervisor) kill(h *Handle, sig unix.Signal) {
	// negative pid addresses the whole process group
	if err := unix.Kill(-h.PID, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warn().Err(err).Str("process_name", h.Name).Str("signal", sig.String()).Msg("Failed to signal worker")
	}
}

// Stop terminates the integration's worker: SIGTERM, a grace period, then
// SIGKILL. The handle is removed whatever the outcome.
func (s *Supervisor) Stop(ctx context.Context, integration *model.Integration) error {
	s.stop(ctx, integration.ProcessName(), integration.ID, integration.WorkerPID)
	integration.WorkerPID = nil
	return nil
}

// StopProcess stops a worker tracked by this instance. Unknown names are ignored.
func (s *Supervisor) StopProcess(ctx context.Context, name string) {
	h := s.lookup(name)
	if h == nil {
		return
	}
	s.stop(ctx, name, h.IntegrationID, nil)
}

func (s *Supervisor) stop(ctx context.Context, name string, id uuid.UUID, recordedPID *int) {
	unlock := s.lockKey(name)
	defer unlock()
	s.stopLocked(ctx, name, id, recordedPID)
}

func (s *Supervisor) stopLocked(ctx context.Context, name string, id uuid.UUID, recordedPID *int) {
	h := s.lookup(name)
	if h == nil {
		if recordedPID != nil {
			s.stopOrphan(ctx, name, *recordedPID)
			s.recordPID(ctx, id, nil)
		}
		return
	}

	h.setState(StateStopping)
	_ = h.client.Close()
	s.kill(h, unix.SIGTERM)

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		log.Warn().Str("process_name", name).Msg("Worker ignored SIGTERM, killing")
		s.kill(h, unix.SIGKILL)
	case <-ctx.Done():
		s.kill(h, unix.SIGKILL)
	}

	select {
	case <-h.done:
		h.setState(StateStopped)
	case <-time.After(2 * time.Second):
		log.Error().Str("process_name", name).Int("pid", h.PID).Msg("Worker did not exit after SIGKILL")
	}

	s.cleanup(h)
	s.recordPID(ctx, id, nil)
	log.Info().Str("process_name", name).Msg("Stopped worker")
}

// Restart stops the worker, pauses, and starts it again
func (s *Supervisor) Restart(ctx context.Context, integration *model.Integration) (*Handle, error) {
	if err := s.Stop(ctx, integration); err != nil {
		return nil, err
	}
	select {
	case <-time.After(s.cfg.RestartPause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Start(ctx, integration)
}

// Client returns the stdio client of a running worker
func (s *Supervisor) Client(processName string) (*mcp.Client, bool) {
	h := s.lookup(processName)
	if h == nil || h.Exited() {
		return nil, false
	}
	return h.client, true
}

// Handles returns a snapshot of the tracked workers
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// ShutdownAll terminates every tracked worker and clears the registry
func (s *Supervisor) ShutdownAll() {
	handles := s.Handles()
	if len(handles) == 0 {
		return
	}
	log.Info().Int("workers", len(handles)).Msg("Stopping all workers")

	for _, h := range handles {
		h.setState(StateStopping)
		_ = h.client.Close()
		s.kill(h, unix.SIGTERM)
	}

	deadline := time.NewTimer(s.cfg.StopGrace)
	defer deadline.Stop()
	expired := false
	for _, h := range handles {
		if !expired {
			select {
			case <-h.done:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		if !h.Exited() {
			s.kill(h, unix.SIGKILL)
		}
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			select {
			case <-h.done:
				h.setState(StateStopped)
			case <-time.After(2 * time.Second):
				log.Error().Str("process_name", h.Name).Int("pid", h.PID).Msg("Worker did not exit during shutdown")
			}
			s.cleanup(h)
			s.recordPID(context.Background(), h.IntegrationID, nil)
		}(h)
	}
	wg.Wait()
	log.Info().Msg("All workers stopped")
}

// stopOrphan terminates a worker left behind by a previous instance. The PID
// is only trusted when the process still carries the expected identity.
func (s *Supervisor) stopOrphan(ctx context.Context, name string, pid int) {
	if !processHasIdentity(ctx, pid, name) {
		log.Debug().Str("process_name", name).Int("pid", pid).Msg("Recorded worker PID is gone or reused")
		return
	}
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	if err := unix.Kill(target, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warn().Err(err).Str("process_name", name).Int("pid", pid).Msg("Failed to terminate orphaned worker")
		return
	}
	log.Info().Str("process_name", name).Int("pid", pid).Msg("Terminated orphaned worker")
}

func lookPath(file, pathEnv string) (string, error) {
	if strings.Contains(file, "/") {
		return file, nil
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, file)
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in worker PATH %s", file, pathEnv)
}
