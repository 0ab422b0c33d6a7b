// Package postgres implements the room configuration repository on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

const (
	_defaultMaxConns     = 10
	_defaultConnAttempts = 5
	_defaultConnTimeout  = time.Second
)

// Postgres holds the connection pool and a statement builder using $n placeholders.
type Postgres struct {
	maxConns     int
	connAttempts int
	connTimeout  time.Duration

	Builder squirrel.StatementBuilderType
	Pool    *pgxpool.Pool
}

// Option configures Postgres
type Option func(*Postgres)

// MaxConns sets the pool size
func MaxConns(n int) Option {
	return func(p *Postgres) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

// ConnAttempts sets how many times connecting is tried
func ConnAttempts(n int) Option {
	return func(p *Postgres) {
		if n > 0 {
			p.connAttempts = n
		}
	}
}

// New connects to url, retrying a few times while the database starts.
func New(ctx context.Context, url string, logger *zap.SugaredLogger, opts ...Option) (*Postgres, error) {
	pg := &Postgres{
		maxConns:     _defaultMaxConns,
		connAttempts: _defaultConnAttempts,
		connTimeout:  _defaultConnTimeout,
		Builder:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	for _, opt := range opts {
		opt(pg)
	}

	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres - parse config: %w", err)
	}
	poolConfig.MaxConns = int32(pg.maxConns)

	for attempts := pg.connAttempts; attempts > 0; attempts-- {
		pg.Pool, err = pgxpool.ConnectConfig(ctx, poolConfig)
		if err == nil {
			break
		}
		logger.Infow("postgres is trying to connect", "attempts_left", attempts-1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pg.connTimeout):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres - connect: %w", err)
	}
	return pg, nil
}

// Close closes the pool
func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
