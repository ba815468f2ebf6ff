package assignment

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Poller periodically checks open pull requests for merges.
type Poller struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *logger.Logger
}

// NewPoller creates a merge poller.
func NewPoller(coordinator *Coordinator, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		coordinator: coordinator,
		interval:    interval,
		logger:      log.WithFields(zap.String("component", "pr_poller")),
	}
}

// Run polls until the context is cancelled. Intended for an errgroup.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("pull request poller started",
		zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pull request poller stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	open, err := p.coordinator.store.ListAssignmentsByStatus(ctx, StatusPRCreated)
	if err != nil {
		p.logger.Error("failed to list open pull requests", zap.Error(err))
		return
	}

	for _, a := range open {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.coordinator.CheckPullRequestStatus(ctx, a.ID); err != nil {
			// Transient host trouble; the next tick retries
			if apperrors.IsCode(err, apperrors.ErrCodeRemoteUnavailable) {
				p.logger.Debug("pull request host unavailable",
					zap.String("assignment_id", a.ID),
					zap.Error(err))
				continue
			}
			p.logger.Error("failed to check pull request status",
				zap.String("assignment_id", a.ID),
				zap.Error(err))
		}
	}
}
