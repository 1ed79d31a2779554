package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/store"
	"github.com/teresa-solution/integration-isolation-service/internal/supervisor"
)

// CleanupService removes what deactivated integrations leave behind: workers
// other instances asked us to stop and orphaned credential directories
type CleanupService struct {
	store store.IntegrationStore
	sup   *supervisor.Supervisor
	files *credfile.Materializer
	stops chan string // process names queued for stopping
	done  chan struct{}
}

// NewCleanupService creates a CleanupService and starts its stop worker
func NewCleanupService(st store.IntegrationStore, sup *supervisor.Supervisor, files *credfile.Materializer) *CleanupService {
	cs := &CleanupService{
		store: st,
		sup:   sup,
		files: files,
		stops: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go cs.startStopWorker()
	return cs
}

// startStopWorker stops queued workers one at a time
func (cs *CleanupService) startStopWorker() {
	defer close(cs.done)
	for name := range cs.stops {
		log.Info().Str("process_name", name).Msg("Stopping worker on request")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		cs.sup.StopProcess(ctx, name)
		cancel()
	}
}

// QueueStop asks for the named worker to be stopped if this instance runs it
func (cs *CleanupService) QueueStop(processName string) {
	cs.stops <- processName
}

// Close drains the stop queue and waits for the worker to finish
func (cs *CleanupService) Close() {
	close(cs.stops)
	<-cs.done
}

// Sweep removes credential directories without an active integration
func (cs *CleanupService) Sweep(ctx context.Context) (int, error) {
	keys, err := cs.store.ListActiveKeys(ctx)
	if err != nil {
		return 0, err
	}
	removed, err := cs.files.SweepOrphans(ctx, keys)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Removed orphaned credential directories")
	}
	return removed, nil
}

// Run sweeps once immediately and then every interval until ctx ends
func (cs *CleanupService) Run(ctx context.Context, interval time.Duration) {
	if _, err := cs.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("Credential sweep failed")
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Credential sweep failed")
			}
		}
	}
}
