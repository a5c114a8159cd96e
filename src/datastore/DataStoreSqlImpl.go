package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/sigurn/crc16"
	_ "modernc.org/sqlite"
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// SqlStore 基于 SQLite 的存储，同时实现 inter.Registry 与 inter.FrameStore
type SqlStore struct {
	db *sql.DB
}

func NewSqlStore(dbPath string) (*SqlStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	schema := `
    CREATE TABLE IF NOT EXISTS vehicles (
       name TEXT PRIMARY KEY,
       device_id TEXT NOT NULL,
       updated_at DATETIME
    );

    CREATE TABLE IF NOT EXISTS frames (
       frame_key TEXT PRIMARY KEY,
       frame BLOB NOT NULL,
       crc INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS cache_meta (
       k TEXT PRIMARY KEY,
       v TEXT NOT NULL
    );
    `

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SqlStore{db: db}, nil
}

// --- inter.Registry ---

func (s *SqlStore) Get(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT device_id FROM vehicles WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", inter.ErrRegistryMiss, name)
	}
	return id, err
}

func (s *SqlStore) Set(ctx context.Context, name string, deviceID string) error {
	if name == "" || deviceID == "" {
		return errors.New("registry: 名称与设备标识不能为空")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vehicles (name, device_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET device_id = excluded.device_id, updated_at = excluded.updated_at`,
		name, deviceID, time.Now(),
	)
	return err
}

func (s *SqlStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, device_id FROM vehicles")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// --- inter.FrameStore ---

func (s *SqlStore) LoadFrames() (inter.CachedFrames, error) {
	out := inter.CachedFrames{Frames: make(map[string]inter.Frame)}

	err := s.db.QueryRow("SELECT v FROM cache_meta WHERE k = 'fingerprint'").Scan(&out.Fingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, err
	}

	rows, err := s.db.Query("SELECT frame_key, frame, crc FROM frames")
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			raw []byte
			sum int64
		)
		if err := rows.Scan(&key, &raw, &sum); err != nil {
			return out, err
		}
		if uint16(sum) != crc16.Checksum(raw, modbusTable) {
			return out, fmt.Errorf("%w: 键 %s 校验失败", inter.ErrStaleCache, key)
		}
		f, err := inter.FrameFromBytes(raw)
		if err != nil {
			return out, fmt.Errorf("%w: 键 %s: %v", inter.ErrStaleCache, key, err)
		}
		out.Frames[key] = f
	}
	return out, rows.Err()
}

// SaveFrames 事务内整体替换
func (s *SqlStore) SaveFrames(snapshot inter.CachedFrames) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM frames"); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO cache_meta (k, v) VALUES ('fingerprint', ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, snapshot.Fingerprint); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO frames (frame_key, frame, crc) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, f := range snapshot.Frames {
		raw := f.Bytes()
		if _, err := stmt.Exec(k, raw, int64(crc16.Checksum(raw, modbusTable))); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SqlStore) Close() error {
	return s.db.Close()
}
