package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteRepository persists the in-memory state to a single SQLite table as
// JSON blobs. It snapshots the full state after every successful write.
type SQLiteRepository struct {
	*MemoryRepository
	db   *sql.DB
	mu   sync.Mutex
	path string
}

var sqliteBuckets = []string{"revisions", "schema", "routing", "selection"}

// NewSQLiteRepository opens (or creates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		path = "playground.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &SQLiteRepository{MemoryRepository: newMemoryRepository(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Int("revisions", len(s.byID)).Msg("SQLite repository opened")
	return s, nil
}

func (s *SQLiteRepository) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		found = true
		var target interface{}
		switch bucket {
		case "revisions":
			target = &snap.Revisions
		case "schema":
			target = &snap.Schema
		case "routing":
			target = &snap.Routing
		case "selection":
			target = &snap.Selection
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if found {
		s.importState(snap)
	}
	return nil
}

func (s *SQLiteRepository) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.exportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case "revisions":
			data, err = json.Marshal(snap.Revisions)
		case "schema":
			data, err = json.Marshal(snap.Schema)
		case "routing":
			data, err = json.Marshal(snap.Routing)
		case "selection":
			data, err = json.Marshal(snap.Selection)
		}
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}

// Commit applies the commit in memory, then snapshots state to SQLite.
func (s *SQLiteRepository) Commit(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	saved, err := s.MemoryRepository.Commit(ctx, v)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist commit: %w", err)
	}
	return saved, nil
}

func (s *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if err := s.MemoryRepository.Delete(ctx, id); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *SQLiteRepository) CreateVariant(ctx context.Context, v *models.Variant) error {
	if err := s.MemoryRepository.CreateVariant(ctx, v); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *SQLiteRepository) PutSchema(ctx context.Context, sc models.Schema) error {
	if err := s.MemoryRepository.PutSchema(ctx, sc); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *SQLiteRepository) SetRouting(ctx context.Context, r models.Routing) error {
	if err := s.MemoryRepository.SetRouting(ctx, r); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *SQLiteRepository) PutSelection(ctx context.Context, ids []string) error {
	if err := s.MemoryRepository.PutSelection(ctx, ids); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *SQLiteRepository) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteRepository) Close() error {
	_ = s.MemoryRepository.Close()
	return s.db.Close()
}

// Path returns the configured database path.
func (s *SQLiteRepository) Path() string { return s.path }
