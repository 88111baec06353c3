package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleSync runs the replay for SyncTag and returns once it has finished.
// Other tags are ignored.
func (a *Agent) HandleSync(ctx context.Context, tag string) error {
	if tag != SyncTag {
		a.logger.Debug("sync_ignored", zap.String("tag", tag))
		return nil
	}
	return a.ReplayQueue(ctx)
}

// ReplayQueue posts every queued match to the origin in id order. A record
// is removed only after a 2xx reply; every other outcome is logged and the
// record stays for the next run. Concurrent runs are not serialised, so a
// record may be delivered more than once.
func (a *Agent) ReplayQueue(ctx context.Context) error {
	runID := uuid.NewString()
	log := a.logger.With(zap.String("sync_run", runID))

	q, err := a.openQueue()
	if err != nil {
		log.Error("queue_open_failed", zap.Error(err))
		return fmt.Errorf("open queue: %w", err)
	}
	records, err := q.GetAll()
	if err != nil {
		log.Error("queue_read_failed", zap.Error(err))
		return fmt.Errorf("read queue: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	log.Info("replay_start", zap.Int("records", len(records)))

	sent := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			log.Warn("replay_interrupted", zap.Int("sent", sent), zap.Error(err))
			return nil
		}
		resp, err := a.net.PostJSON(ctx, MatchesPath, rec.Payload)
		if err != nil {
			log.Error("sync_failed", zap.Uint64("record_id", rec.ID), zap.Error(err))
			continue
		}
		if !resp.OK() {
			log.Error("sync_rejected", zap.Uint64("record_id", rec.ID), zap.Int("status", resp.Status))
			continue
		}
		if err := q.Delete(rec.ID); err != nil {
			log.Error("queue_delete_failed", zap.Uint64("record_id", rec.ID), zap.Error(err))
			continue
		}
		sent++
	}
	log.Info("replay_done", zap.Int("sent", sent), zap.Int("remaining", len(records)-sent))
	return nil
}
