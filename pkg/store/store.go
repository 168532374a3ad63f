// Package store persists users, conversations, messages, runs and goals.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/semaphore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound       = errors.New("store: record not found")
	ErrHandleReleased = errors.New("store: handle already released")
	ErrInvalidRole    = errors.New("store: invalid message role")
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	defaultMaxHandles = 64
	applicationName   = "stride"
)

type Options struct {
	// MaxHandles bounds the number of concurrently held session handles.
	MaxHandles int64
	Now        func() time.Time
}

// Store is the process-wide record store. Live sessions work through a Handle.
type Store struct {
	repo
	sqlDB   *sql.DB
	dialect string
	handles *semaphore.Weighted
}

// Open connects to dsn. postgres:// and postgresql:// URLs use pgx; anything
// else is treated as a sqlite path, with an optional sqlite:// prefix.
func Open(dsn string, opts Options) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	gormCfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return now().UTC() },
	}

	var (
		db      *gorm.DB
		err     error
		dialect string
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialect = DialectPostgres
		pgCfg, perr := pgx.ParseConfig(dsn)
		if perr != nil {
			return nil, fmt.Errorf("store: parse postgres dsn: %w", perr)
		}
		if pgCfg.RuntimeParams == nil {
			pgCfg.RuntimeParams = map[string]string{}
		}
		if pgCfg.RuntimeParams["application_name"] == "" {
			pgCfg.RuntimeParams["application_name"] = applicationName
		}
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDB(*pgCfg)}), gormCfg)
	default:
		dialect = DialectSQLite
		db, err = gorm.Open(sqlite.Open(sqlitePath(dsn)), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying db: %w", err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases coherent and serializes sqlite writers.
		sqlDB.SetMaxOpenConns(1)
	}

	maxHandles := opts.MaxHandles
	if maxHandles <= 0 {
		maxHandles = defaultMaxHandles
	}
	return &Store{
		repo:    repo{db: db},
		sqlDB:   sqlDB,
		dialect: dialect,
		handles: semaphore.NewWeighted(maxHandles),
	}, nil
}

func sqlitePath(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		// sqlite:///./stride.db -> ./stride.db
		if strings.HasPrefix(rest, "/./") {
			return rest[1:]
		}
		return rest
	}
	return strings.TrimPrefix(dsn, "sqlite:")
}

func (s *Store) Dialect() string { return s.dialect }

// Migrate creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Acquire reserves a session-scoped handle, waiting while MaxHandles are in use.
func (s *Store) Acquire(ctx context.Context) (*Handle, error) {
	if err := s.handles.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("store: acquire handle: %w", err)
	}
	h := &Handle{
		repo:    repo{db: s.db.Session(&gorm.Session{NewDB: true})},
		release: func() { s.handles.Release(1) },
	}
	return h, nil
}

// Handle is the store access owned by one live session. It is not safe for
// use after Release.
type Handle struct {
	repo
	once     sync.Once
	mu       sync.Mutex
	released bool
	release  func()
}

// Release returns the handle to the store. Calls after the first are no-ops.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		if h.release != nil {
			h.release()
		}
	})
}

func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *Handle) AppendMessage(ctx context.Context, conversationID uint, role, content string) (Message, error) {
	if h.Released() {
		return Message{}, ErrHandleReleased
	}
	return h.repo.AppendMessage(ctx, conversationID, role, content)
}

func (h *Handle) AppendRun(ctx context.Context, run *Run) error {
	if h.Released() {
		return ErrHandleReleased
	}
	return h.repo.AppendRun(ctx, run)
}

func (h *Handle) AppendGoal(ctx context.Context, goal *Goal) error {
	if h.Released() {
		return ErrHandleReleased
	}
	return h.repo.AppendGoal(ctx, goal)
}
