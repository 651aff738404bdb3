package transactions

import (
	"context"
	"time"

	"github.com/congo-pay/card_issuer/internal/ledger"
)

// retry runs attempt under the configured backoff, counting and logging every
// retried failure.
func (s *Service) retry(ctx context.Context, op string, attempt func(context.Context) error) error {
	b := ledger.Backoff{MaxAttempts: s.opts.MaxAttempts, BaseDelay: s.opts.BaseDelay, MaxDelay: s.opts.MaxDelay}
	return ledger.Retry(ctx, b, op, attempt, func(n int, wait time.Duration, err error) {
		s.metrics.RecordRetry(op)
		s.logger.Warn("retrying ledger operation", "operation", op, "attempt", n, "wait", wait, "error", err)
	})
}
