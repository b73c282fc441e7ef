package ingest

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Manager runs one supervisor per camera.
type Manager struct {
	supervisors []*Supervisor
	logger      *zap.Logger
}

// NewManager builds supervisors for cams sharing maxConcurrent ingest slots.
func NewManager(cams []Camera, deps Deps, cfg Config, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("ingest")
	slots := semaphore.NewWeighted(int64(maxConcurrent))

	m := &Manager{logger: deps.Logger}
	for _, cam := range cams {
		m.supervisors = append(m.supervisors, NewSupervisor(cam, deps, cfg, slots))
	}
	return m
}

// Run blocks until ctx is cancelled and every supervisor has stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("starting ingest", zap.Int("cameras", len(m.supervisors)))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.supervisors {
		g.Go(func() error { return s.Run(gctx) })
	}
	err := g.Wait()
	m.logger.Info("ingest stopped")
	return err
}

// Statuses returns a snapshot of every camera in configuration order.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		out = append(out, s.Status())
	}
	return out
}
