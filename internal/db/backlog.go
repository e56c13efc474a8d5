package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"go.uber.org/zap"
)

// StartBacklogMonitor periodically logs how many rows of each syncable table
// are still waiting for upload. Records retried forever show up here.
func StartBacklogMonitor(
	ctx context.Context,
	store *Store,
	interval time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, e := range models.AllEntities {
					var pending int64
					err := store.QueryFunc(ctx,
						`SELECT COUNT(*) FROM `+e.Table()+` WHERE sync_status IS NULL OR sync_status != ?`,
						func(rows *sql.Rows) error { return rows.Scan(&pending) },
						string(models.Synced),
					)
					if err != nil {
						log.Error("failed to count pending records", zap.String("table", e.Table()), zap.Error(err))
						continue
					}
					if pending > 0 {
						log.Info("records awaiting upload", zap.String("table", e.Table()), zap.Int64("pending", pending))
					}
				}
			}
		}
	}()
}
