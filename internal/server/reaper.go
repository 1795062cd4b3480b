package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/termtunnel/termtunnel/internal/protocol"
)

const (
	suspendedSweepInterval = 60 * time.Second
	suspendedTimeout       = 30 * time.Minute
	retentionSweepInterval = time.Hour
)

// StartReapers launches the background sweeps: expired suspended
// instances, old terminal history, and old audit logs. They stop when the
// context is cancelled.
func (s *State) StartReapers(ctx context.Context) {
	go s.reapSuspendedInstances(ctx)
	if s.store != nil && s.cfg.TerminalHistory.Enabled {
		go s.reapTerminalHistory(ctx)
	}
	if s.store != nil && s.cfg.AuditLog.Enabled {
		go s.reapAuditLogs(ctx)
	}
}

func (s *State) reapSuspendedInstances(ctx context.Context) {
	ticker := time.NewTicker(suspendedSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.CleanupExpiredSuspendedInstances(suspendedTimeout)
			for _, id := range removed {
				s.DeleteTerminalHistory(id)
				s.broadcastToAllSessions(protocol.InstanceClosedEvent{
					Type:       protocol.TypeInstanceClosed,
					InstanceID: id,
				})
			}
		}
	}
}

func (s *State) reapTerminalHistory(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.CleanupOldTerminalHistory(s.cfg.TerminalHistory.RetentionDays)
			if err != nil {
				slog.Warn("terminal history cleanup failed", "err", err)
				continue
			}
			if deleted > 0 {
				slog.Info("cleaned up old terminal history", "chunks", deleted)
			}
		}
	}
}

func (s *State) reapAuditLogs(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.CleanupOldAuditLogs(s.cfg.AuditLog.RetentionDays)
			if err != nil {
				slog.Warn("audit log cleanup failed", "err", err)
				continue
			}
			if deleted > 0 {
				slog.Info("cleaned up old audit logs", "records", deleted)
			}
		}
	}
}
