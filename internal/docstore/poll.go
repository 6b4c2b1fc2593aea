package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"assistant-sync/internal/models"
)

type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

var errBatchPending = errors.New("batch still in progress")

// PollBatch fetches the batch until its status is terminal. When the timeout elapses first the
// last seen batch is returned with status models.BatchTimedOut. Fetch errors end the poll.
func PollBatch(ctx context.Context, cfg PollConfig, fetch func(ctx context.Context) (*models.BatchResult, error)) (*models.BatchResult, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.Interval
	expo.MaxInterval = max(cfg.Interval, 10*cfg.Interval)
	expo.Multiplier = 1.5
	expo.RandomizationFactor = 0.1
	expo.MaxElapsedTime = cfg.Timeout

	var last *models.BatchResult
	op := func() error {
		batch, err := fetch(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to retrieve batch: %w", err))
		}
		last = batch
		if batch.Status.Terminal() {
			return nil
		}
		return errBatchPending
	}
	notify := func(_ error, wait time.Duration) {
		log.Debug().Str("batch", last.ID).Interface("file_counts", last.Counts).Dur("wait", wait).Msg("Waiting for file batch")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(expo, ctx), notify)
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, errBatchPending):
		timedOut := *last
		timedOut.Status = models.BatchTimedOut
		log.Warn().Str("batch", last.ID).Dur("timeout", cfg.Timeout).Msg("Gave up waiting for file batch")
		return &timedOut, nil
	default:
		return last, err
	}
}
