package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roomctl/pkg/circuitbreaker"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout, false)
}

// AddBrokerCheck reports the RPC broker connection. Without it no node can
// be reached, so it is critical.
func (h *HealthChecker) AddBrokerCheck(healthy func() bool) {
	h.AddCheck("rabbitmq", func(context.Context) error {
		if !healthy() {
			return fmt.Errorf("connection closed")
		}
		return nil
	}, time.Second, true)
}

// AddRepositoryCheck adds a room configuration store check
func (h *HealthChecker) AddRepositoryCheck(ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck("repository", ping, timeout, true)
}

// AddSchedulerCheck fails while the scheduler breaker is open.
func (h *HealthChecker) AddSchedulerCheck(state func() circuitbreaker.State) {
	h.AddCheck("scheduler", func(context.Context) error {
		if s := state(); s == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", s)
		}
		return nil
	}, time.Second, false)
}

// AddNodeBreakerCheck lists nodes whose breaker is open.
func (h *HealthChecker) AddNodeBreakerCheck(open func() []string) {
	h.AddCheck("media_nodes", func(context.Context) error {
		if nodes := open(); len(nodes) > 0 {
			return fmt.Errorf("unreachable: %s", strings.Join(nodes, ","))
		}
		return nil
	}, time.Second, false)
}
