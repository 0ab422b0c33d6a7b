package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

// RoomRepository keeps room documents as jsonb rows:
//
//	CREATE TABLE rooms (
//	    id         text PRIMARY KEY,
//	    document   jsonb NOT NULL,
//	    updated_at timestamptz NOT NULL DEFAULT now()
//	);
type RoomRepository struct {
	pg    *Postgres
	table string
}

var _ ports.RoomConfigRepository = (*RoomRepository)(nil)

func NewRoomRepository(pg *Postgres, table string) *RoomRepository {
	return &RoomRepository{pg: pg, table: table}
}

func (r *RoomRepository) getQuery(roomID string) squirrel.SelectBuilder {
	return r.pg.Builder.Select("document").From(r.table).Where(squirrel.Eq{"id": roomID})
}

func (r *RoomRepository) listQuery() squirrel.SelectBuilder {
	return r.pg.Builder.Select("document").From(r.table).OrderBy("id")
}

func (r *RoomRepository) saveQuery(id string, document []byte) squirrel.InsertBuilder {
	return r.pg.Builder.Insert(r.table).
		Columns("id", "document").
		Values(id, document).
		Suffix("ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()")
}

func (r *RoomRepository) deleteQuery(roomID string) squirrel.DeleteBuilder {
	return r.pg.Builder.Delete(r.table).Where(squirrel.Eq{"id": roomID})
}

func (r *RoomRepository) Get(ctx context.Context, roomID string) (*domain.RoomConfig, error) {
	sql, args, err := r.getQuery(roomID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("RoomRepository - Get - ToSql: %w", err)
	}

	var document []byte
	err = r.pg.Pool.QueryRow(ctx, sql, args...).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("RoomRepository - Get - QueryRow: %w", err)
	}
	return decodeDocument(document)
}

func decodeDocument(document []byte) (*domain.RoomConfig, error) {
	var cfg domain.RoomConfig
	if err := json.Unmarshal(document, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &cfg, nil
}

func (r *RoomRepository) Save(ctx context.Context, cfg *domain.RoomConfig) error {
	document, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	sql, args, err := r.saveQuery(cfg.ID, document).ToSql()
	if err != nil {
		return fmt.Errorf("RoomRepository - Save - ToSql: %w", err)
	}
	if _, err := r.pg.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("RoomRepository - Save - Exec: %w", err)
	}
	return nil
}

func (r *RoomRepository) Delete(ctx context.Context, roomID string) error {
	sql, args, err := r.deleteQuery(roomID).ToSql()
	if err != nil {
		return fmt.Errorf("RoomRepository - Delete - ToSql: %w", err)
	}
	tag, err := r.pg.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("RoomRepository - Delete - Exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RoomRepository) List(ctx context.Context) ([]*domain.RoomConfig, error) {
	sql, args, err := r.listQuery().ToSql()
	if err != nil {
		return nil, fmt.Errorf("RoomRepository - List - ToSql: %w", err)
	}
	rows, err := r.pg.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("RoomRepository - List - Query: %w", err)
	}
	defer rows.Close()

	rooms := []*domain.RoomConfig{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("RoomRepository - List - Scan: %w", err)
		}
		cfg, err := decodeDocument(document)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, cfg)
	}
	return rooms, rows.Err()
}
