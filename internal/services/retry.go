package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/telemetry"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
)

// OperationRequest identifies one logical credit operation. OperationID must be
// unique per operation; the coordinator does not deduplicate.
type OperationRequest struct {
	OperationID string
	UserID      string
	Amount      int64 // negative = debit
	Type        string
}

// RetryCoordinator runs credit operations with bounded exponential backoff and
// reports exactly one monitor entry per operation id.
type RetryCoordinator struct {
	monitor    *OperationMonitor
	sampler    *PerformanceSampler
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
	attempts   metric.Int64Counter
}

func NewRetryCoordinator(monitor *OperationMonitor, sampler *PerformanceSampler, maxRetries int, baseDelay time.Duration, logger zerolog.Logger) *RetryCoordinator {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	attempts, _ := telemetry.Meter("bidding/retry").Int64Counter("bidding.credit_operation.attempts",
		metric.WithDescription("Credit operation attempts including retries"),
	)
	return &RetryCoordinator{
		monitor:    monitor,
		sampler:    sampler,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleepContext,
		logger:     logger,
		attempts:   attempts,
	}
}

// NewOperationID returns an id of the form op_<unix millis>_<random>.
func NewOperationID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("op_%d_%s", time.Now().UnixMilli(), random)
}

// Backoff is the wait before retry number attempt+1: base * 2^attempt.
func (c *RetryCoordinator) Backoff(attempt int) time.Duration {
	return c.baseDelay << attempt
}

// Budget is the total backoff Execute may sleep through before giving up.
func (c *RetryCoordinator) Budget() time.Duration {
	var total time.Duration
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		total += c.Backoff(attempt)
	}
	return total
}

// Execute runs fn until it succeeds or the retry budget is spent. The final
// error is returned to the caller, never swallowed.
func Execute[T any](ctx context.Context, c *RetryCoordinator, req OperationRequest, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	c.monitor.TrackOperation(models.CreditOperation{
		OperationID: req.OperationID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        req.Type,
	})
	log := c.logger.With().Str("operation_id", req.OperationID).Str("user_id", req.UserID).Logger()
	defer func() {
		if c.sampler != nil {
			c.sampler.Record(MetricCreditOperationTime, float64(time.Since(start).Milliseconds()))
		}
	}()

	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		if c.attempts != nil {
			c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", req.Type)))
		}
		result, err = fn(ctx)
		if err == nil {
			c.monitor.MarkSuccess(req.OperationID)
			if attempt > 0 {
				log.Info().Int("attempts", attempt+1).Msg("credit operation succeeded after retry")
			}
			return result, nil
		}
		if attempt >= c.maxRetries {
			break
		}

		delay := c.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("credit operation failed, retrying")
		if serr := c.sleep(ctx, delay); serr != nil {
			err = fmt.Errorf("%w (last error: %v)", serr, err)
			break
		}
	}

	c.monitor.MarkFailed(req.OperationID, err.Error())
	log.Error().Err(err).Int("max_retries", c.maxRetries).Msg("credit operation failed")
	var zero T
	return zero, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
