package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/credpath"
	"github.com/teresa-solution/integration-isolation-service/internal/crypto"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/fakeworker"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
)

func TestMain(m *testing.M) {
	fakeworker.MaybeRun()
	os.Exit(m.Run())
}

type pidRecorder struct {
	mu   sync.Mutex
	pids map[uuid.UUID]*int
}

func (r *pidRecorder) SetWorkerPID(_ context.Context, id uuid.UUID, pid *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[id] = pid
	return nil
}

func (r *pidRecorder) get(id uuid.UUID) *int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pids[id]
}

type fixture struct {
	sup   *Supervisor
	vault *crypto.Vault
	pids  *pidRecorder
	base  string
}

func newFixture(t *testing.T, leases Lease) *fixture {
	t.Helper()
	vault, err := crypto.NewVault([]byte("supervisor-test-key"))
	require.NoError(t, err)

	base := filepath.Join(t.TempDir(), "creds")
	resolver, err := credpath.NewResolver(base)
	require.NoError(t, err)

	reg := provider.Default()
	reg.Register(fakeworker.Provider())

	pids := &pidRecorder{pids: make(map[uuid.UUID]*int)}
	sup := New(Config{
		StartupGrace: 500 * time.Millisecond,
		StopGrace:    time.Second,
		RestartPause: 10 * time.Millisecond,
		LeaseTTL:     3 * time.Second,
		Leases:       leases,
		PIDs:         pids,
	}, reg, vault, credfile.NewMaterializer(resolver, reg), sandbox.New(""))
	t.Cleanup(sup.ShutdownAll)

	return &fixture{sup: sup, vault: vault, pids: pids, base: base}
}

func (f *fixture) integration(t *testing.T, ownerID, mode string) *model.Integration {
	t.Helper()
	in := &model.Integration{
		ID:              uuid.New(),
		TenantID:        "1",
		OwnerType:       model.OwnerUser,
		OwnerID:         ownerID,
		IntegrationType: fakeworker.Type,
		WorkerType:      fakeworker.Type,
		ProcessMode:     model.ProcessModeWorker,
		IsActive:        true,
	}
	var config map[string]string
	if mode != "" {
		config = map[string]string{fakeworker.ModeKey: mode}
	}
	require.NoError(t, f.vault.SealClient(in, "client-id", "client-secret", config))
	require.NoError(t, f.vault.SealTokens(in, "access-1", "refresh-1", nil, time.Now()))
	return in
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestStartStop_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")
	ctx := context.Background()

	h, err := f.sup.Start(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, h.State())
	assert.True(t, processAlive(h.PID))
	require.NotNil(t, in.WorkerPID)
	assert.Equal(t, h.PID, *in.WorkerPID)
	assert.Equal(t, h.PID, *f.pids.get(in.ID))

	// credentials were materialized before launch
	assert.FileExists(t, filepath.Join(f.base, "user", "5", fakeworker.Type, "credentials.json"))

	client, ok := f.sup.Client(in.ProcessName())
	require.True(t, ok)
	require.NoError(t, client.EnsureInitialized(ctx))
	res, err := client.CallTool(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "access-1", res.Text())

	st := f.sup.Status(ctx, in)
	assert.True(t, st.Running)
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.PID)
	assert.Equal(t, h.PID, *st.PID)

	require.NoError(t, f.sup.Stop(ctx, in))
	assert.True(t, h.Exited())
	assert.False(t, processAlive(h.PID))
	assert.Nil(t, in.WorkerPID)
	assert.Nil(t, f.pids.get(in.ID))
	_, ok = f.sup.Client(in.ProcessName())
	assert.False(t, ok)
	assert.False(t, f.sup.Status(ctx, in).Running)
}

func TestStart_WorkerEnvironmentIsSandboxed(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://admin:hunter2@db/app")
	f := newFixture(t, nil)
	in := f.integration(t, "7", "")
	ctx := context.Background()

	_, err := f.sup.Start(ctx, in)
	require.NoError(t, err)
	client, _ := f.sup.Client(in.ProcessName())
	require.NoError(t, client.EnsureInitialized(ctx))

	res, err := client.CallTool(ctx, "env", nil)
	require.NoError(t, err)
	env := res.Text()
	assert.NotContains(t, env, "hunter2")
	assert.Contains(t, env, "INTEGRATION_PROCESS_NAME="+in.ProcessName())
	assert.Contains(t, env, "HOME="+filepath.Join(f.base, "user", "7", fakeworker.Type))
}

func TestStart_ConcurrentCallsLaunchOnce(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")

	const callers = 8
	pids := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// each caller holds its own copy of the row, as separate requests would
			copyIn := *in
			h, err := f.sup.Start(context.Background(), &copyIn)
			if assert.NoError(t, err) {
				pids[i] = h.PID
			}
		}(i)
	}
	wg.Wait()

	for _, pid := range pids {
		assert.Equal(t, pids[0], pid)
	}
	assert.Len(t, f.sup.Handles(), 1)
}

func TestStart_IdempotentKeepsHandle(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")

	h1, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	h2, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestStart_EarlyExitReportsStderr(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "crash")

	_, err := f.sup.Start(context.Background(), in)
	var startErr *errs.WorkerStartFailedError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, 3, startErr.ExitCode)
	assert.Contains(t, startErr.Stderr, "missing client configuration")
	assert.LessOrEqual(t, len(startErr.Stderr), 500)

	// no dead handle is registered and the key can be tried again
	assert.Empty(t, f.sup.Handles())
	_, ok := f.sup.Client(in.ProcessName())
	assert.False(t, ok)
	_, err = f.sup.Start(context.Background(), in)
	require.ErrorAs(t, err, &startErr)
}

func TestStart_RejectsDirectAPI(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")
	in.ProcessMode = model.ProcessModeDirectAPI
	_, err := f.sup.Start(context.Background(), in)
	assert.ErrorIs(t, err, errs.ErrNotWorkerMode)
}

func TestStop_ExternallyKilledProcess(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")

	h, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(-h.PID, syscall.SIGKILL))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not reaped")
	}

	require.NoError(t, f.sup.Stop(context.Background(), in))
	assert.Empty(t, f.sup.Handles())
	assert.Nil(t, in.WorkerPID)
	assert.False(t, f.sup.Status(context.Background(), in).Running)
}

func TestStop_EscalatesToSIGKILL(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "ignore_term")

	h, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, f.sup.Stop(context.Background(), in))
	assert.True(t, h.Exited())
	assert.GreaterOrEqual(t, time.Since(started), time.Second)
	assert.False(t, processAlive(h.PID))
}

func TestStop_WithoutHandleIgnoresForeignPID(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")
	// our own pid does not carry the worker identity and must survive
	self := os.Getpid()
	in.WorkerPID = &self

	require.NoError(t, f.sup.Stop(context.Background(), in))
	assert.Nil(t, in.WorkerPID)
	assert.True(t, processAlive(self))
}

func TestCrashIsDetected(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")

	h, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(-h.PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		return len(f.sup.Handles()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateCrashed, h.State())
	assert.Nil(t, f.pids.get(in.ID))

	// the next start launches a fresh process
	h2, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, h.PID, h2.PID)
}

func TestRestart(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "5", "")

	h1, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	h2, err := f.sup.Restart(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, h1.PID, h2.PID)
	assert.True(t, h1.Exited())
	assert.False(t, h2.Exited())
}

func TestShutdownAll(t *testing.T) {
	f := newFixture(t, nil)
	var handles []*Handle
	for _, owner := range []string{"1", "2", "3"} {
		mode := ""
		if owner == "3" {
			mode = "ignore_term"
		}
		h, err := f.sup.Start(context.Background(), f.integration(t, owner, mode))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Len(t, f.sup.Handles(), 3)

	f.sup.ShutdownAll()
	assert.Empty(t, f.sup.Handles())
	for _, h := range handles {
		assert.True(t, h.Exited(), h.Name)
	}
}

func TestStart_LeaseHeldElsewhere(t *testing.T) {
	leases := NewLocalLeases()
	f := newFixture(t, leases)
	in := f.integration(t, "5", "")

	// another supervisor instance owns the key
	_, err := leases.Acquire(context.Background(), in.ProcessName(), time.Minute)
	require.NoError(t, err)

	_, err = f.sup.Start(context.Background(), in)
	assert.ErrorIs(t, err, errs.ErrLeaseHeld)
	assert.Empty(t, f.sup.Handles())
}

func TestStart_ReleasesLeaseOnStop(t *testing.T) {
	leases := NewLocalLeases()
	f := newFixture(t, leases)
	in := f.integration(t, "5", "")

	_, err := f.sup.Start(context.Background(), in)
	require.NoError(t, err)
	_, err = leases.Acquire(context.Background(), in.ProcessName(), time.Minute)
	assert.ErrorIs(t, err, errs.ErrLeaseHeld)

	require.NoError(t, f.sup.Stop(context.Background(), in))
	_, err = leases.Acquire(context.Background(), in.ProcessName(), time.Minute)
	assert.NoError(t, err)
}

func TestLookPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := lookPath("worker", "/nonexistent:"+dir)
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	got, err = lookPath("/abs/worker", "")
	require.NoError(t, err)
	assert.Equal(t, "/abs/worker", got)

	_, err = lookPath("missing", dir)
	assert.ErrorContains(t, err, "not found")
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(10)
	_, _ = b.Write([]byte("0123456789abc"))
	assert.Equal(t, "3456789abc", b.tail(100))
	assert.Equal(t, "abc", b.tail(3))
}

func TestStopProcess_ByName(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "21", "")
	ctx := context.Background()

	h, err := f.sup.Start(ctx, in)
	require.NoError(t, err)

	f.sup.StopProcess(ctx, "unknown-user-0")
	assert.False(t, h.Exited())

	f.sup.StopProcess(ctx, in.ProcessName())
	assert.True(t, h.Exited())
	assert.Nil(t, f.pids.get(in.ID))
	_, ok := f.sup.Client(in.ProcessName())
	assert.False(t, ok)
}

func TestStartFresh_ReplacesOlderWorker(t *testing.T) {
	f := newFixture(t, nil)
	in := f.integration(t, "22", "")
	ctx := context.Background()

	h1, err := f.sup.Start(ctx, in)
	require.NoError(t, err)

	// worker is newer than the cutoff, keep it
	h, err := f.sup.StartFresh(ctx, in, h1.StartedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Same(t, h1, h)

	h2, err := f.sup.StartFresh(ctx, in, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, h1.PID, h2.PID)
	assert.True(t, h1.Exited())
	assert.False(t, h2.Exited())
	assert.Equal(t, h2.PID, *f.pids.get(in.ID))
}

func TestHeartbeat_LostLeaseStopsWorker(t *testing.T) {
	leases := NewLocalLeases()
	f := newFixture(t, leases)
	in := f.integration(t, "23", "")
	ctx := context.Background()

	h, err := f.sup.Start(ctx, in)
	require.NoError(t, err)

	// the lease expired and another instance took it
	require.NoError(t, leases.Release(ctx, in.ProcessName(), h.leaseToken))
	other, err := leases.Acquire(ctx, in.ProcessName(), time.Minute)
	require.NoError(t, err)

	assert.Eventually(t, h.Exited, 5*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := f.sup.Client(in.ProcessName())
		return !ok
	}, 5*time.Second, 50*time.Millisecond)

	// the new holder keeps its lease and the recorded PID
	assert.NoError(t, leases.Renew(ctx, in.ProcessName(), other, time.Minute))
	assert.NotNil(t, f.pids.get(in.ID))
}

func TestStatus_ReportsWorkerOwnedElsewhere(t *testing.T) {
	leases := NewLocalLeases()
	f := newFixture(t, leases)
	in := f.integration(t, "24", "")
	ctx := context.Background()

	st := f.sup.Status(ctx, in)
	assert.False(t, st.Running)
	assert.False(t, st.Remote)

	_, err := leases.Acquire(ctx, in.ProcessName(), time.Minute)
	require.NoError(t, err)
	st = f.sup.Status(ctx, in)
	assert.False(t, st.Running)
	assert.True(t, st.Remote)
	assert.Equal(t, StateStopped, st.State)
}
