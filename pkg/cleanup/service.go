// Package cleanup enforces stream event retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/eventlog"
)

// AckSource reports the lowest acknowledged seq across connected clients and
// how many clients there are. The gateway's connection manager implements it.
type AckSource interface {
	MinAckedSeq() (int64, int)
}

// Service periodically sweeps expired stream events. Connected clients hold
// events back through their acknowledged seq, so a client that reconnects
// never finds a hole below its cursor.
type Service struct {
	cfg  *config.RetentionConfig
	log  *eventlog.Log
	acks AckSource

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, log *eventlog.Log, acks AckSource) *Service {
	return &Service{
		cfg:  cfg,
		log:  log,
		acks: acks,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one retention pass. With no clients connected, age alone
// decides eligibility. With clients connected, only events every client has
// acknowledged are eligible, and a client that has acknowledged nothing
// blocks the pass entirely.
func (s *Service) sweep(ctx context.Context) {
	minAck, clients := s.acks.MinAckedSeq()
	if clients > 0 && minAck <= 0 {
		return
	}

	count, err := s.log.Sweep(ctx, s.cfg.EventTTL, minAck)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention sweep removed events",
			"count", count, "min_acked_seq", minAck, "clients", clients)
	}
}
