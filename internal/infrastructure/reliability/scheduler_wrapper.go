package reliability

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	"roomctl/pkg/circuitbreaker"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/retry"
)

// SchedulerWrapper wraps a Scheduler with retry logic and a circuit breaker.
// Only transport level failures are retried and counted against the breaker;
// a refusal for lack of capacity means the scheduler is healthy.
type SchedulerWrapper struct {
	scheduler ports.Scheduler
	logger    *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.Scheduler = (*SchedulerWrapper)(nil)

// NewSchedulerWrapper creates a new wrapper with retry and circuit breaker
func NewSchedulerWrapper(
	scheduler ports.Scheduler,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *SchedulerWrapper {
	retryConfig.ShouldRetry = schedulerUnavailable
	cbConfig.IsFailure = schedulerUnavailable

	wrapper := &SchedulerWrapper{
		scheduler:      scheduler,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("scheduler circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

func schedulerUnavailable(err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeSchedulerUnavailable) ||
		apperrors.HasCode(err, apperrors.ErrCodeRPCTimeout)
}

// AcquireNode requests a node with retry logic. An open breaker fails fast
// as SCHEDULER_UNAVAILABLE.
func (w *SchedulerWrapper) AcquireNode(ctx context.Context, cluster string, purpose domain.Purpose, task ports.Task, pref domain.Preference) (domain.Locality, error) {
	loc, err := retry.RetryWithResult(ctx, w.retryConfig, func() (domain.Locality, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, func() (domain.Locality, error) {
			return w.scheduler.AcquireNode(ctx, cluster, purpose, task, pref)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return domain.Locality{}, apperrors.NewSchedulerUnavailableError(err)
	}
	return loc, err
}

// ReleaseNode returns a node with retry logic. Releases bypass an open
// breaker so nodes are not leaked while the scheduler recovers.
func (w *SchedulerWrapper) ReleaseNode(ctx context.Context, loc domain.Locality, task ports.Task) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.scheduler.ReleaseNode(ctx, loc, task)
	})
}

// State reports the breaker state for health checks.
func (w *SchedulerWrapper) State() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}
