package worker

import (
	"context"
	"log/slog"
	"time"
)

type connector interface {
	Connect(ctx context.Context) error
}

// DialRetry is the pause between failed websocket dials.
var DialRetry = 3 * time.Second

// dialHistory opens a websocket history client before the first relay,
// retrying until it connects or ctx ends. Other clients are left alone.
func (w *Worker) dialHistory(ctx context.Context) {
	c, ok := w.History.(connector)
	if !ok {
		return
	}
	for {
		err := c.Connect(ctx)
		if err == nil {
			w.logger().InfoContext(ctx, "history ws connected")
			return
		}
		w.logger().WarnContext(ctx, "history ws connect failed", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(DialRetry):
		}
	}
}
