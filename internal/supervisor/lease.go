package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
)

// Lease guarantees a worker key is spawned by at most one supervisor. Acquire
// returns errs.ErrLeaseHeld while another holder's lease is live.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	Renew(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
	// Holder returns the live lease token for name, or "" when it is free
	Holder(ctx context.Context, name string) (string, error)
}

// LocalLeases is the in-process Lease used when no shared registry is configured
type LocalLeases struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLeases() *LocalLeases {
	return &LocalLeases{now: time.Now, leases: make(map[string]localLease)}
}

func (l *LocalLeases) Acquire(_ context.Context, name string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && l.now().Before(cur.expires) {
		return "", errs.ErrLeaseHeld
	}
	token := uuid.NewString()
	l.leases[name] = localLease{token: token, expires: l.now().Add(ttl)}
	return token, nil
}

func (l *LocalLeases) Renew(_ context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[name]
	if !ok || cur.token != token {
		return errs.ErrLeaseHeld
	}
	cur.expires = l.now().Add(ttl)
	l.leases[name] = cur
	return nil
}

func (l *LocalLeases) Release(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.token == token {
		delete(l.leases, name)
	}
	return nil
}

func (l *LocalLeases) Holder(_ context.Context, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && l.now().Before(cur.expires) {
		return cur.token, nil
	}
	return "", nil
}
