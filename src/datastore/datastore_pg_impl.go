package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nhirsama/Goster-RC/src/inter"
)

// PgRegistry 基于 PostgreSQL 的注册表，多台主机共用同一份车辆名单时使用
type PgRegistry struct {
	pool *pgxpool.Pool
}

func NewPgRegistry(ctx context.Context, dsn string) (*PgRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: 连接 PostgreSQL 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: 连接 PostgreSQL 失败: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rc_vehicles (
			name TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PgRegistry{pool: pool}, nil
}

func (r *PgRegistry) Get(ctx context.Context, name string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, "SELECT device_id FROM rc_vehicles WHERE name = $1", name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", inter.ErrRegistryMiss, name)
	}
	return id, err
}

func (r *PgRegistry) Set(ctx context.Context, name string, deviceID string) error {
	if name == "" || deviceID == "" {
		return errors.New("registry: 名称与设备标识不能为空")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rc_vehicles (name, device_id) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET device_id = EXCLUDED.device_id, updated_at = now()`,
		name, deviceID)
	return err
}

func (r *PgRegistry) List(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT name, device_id FROM rc_vehicles")
	if err != nil {
		return nil, err
	}
	type row struct {
		Name     string
		DeviceID string
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.Name] = it.DeviceID
	}
	return out, nil
}

func (r *PgRegistry) Close() error {
	r.pool.Close()
	return nil
}
