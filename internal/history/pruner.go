package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// StartPruner deletes records older than retention on a standard 5-field
// cron schedule (e.g. "0 3 * * *" for 03:00 daily). It stops when ctx is
// done.
func StartPruner(ctx context.Context, store *Store, schedule string, retention time.Duration, logger *slog.Logger) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || retention <= 0 {
		logger.Info("history pruning disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		cutoff := time.Now().Add(-retention)
		n, err := store.Prune(ctx, cutoff)
		if err != nil {
			logger.Error("history prune failed", "err", err)
			return
		}
		logger.Info("history pruned", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	})
	if err != nil {
		return fmt.Errorf("history: prune schedule %q: %w", schedule, err)
	}

	c.Start()
	logger.Info("history pruning scheduled", "cron", schedule, "retention", retention)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
