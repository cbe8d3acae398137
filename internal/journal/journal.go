// Package journal is an optional local flight recorder. Everything the
// relay publishes or observes can be appended to a SQLite (or Postgres)
// table for postmortem debugging of sync issues. The recorder never
// blocks the sync path: when disabled or unconnected every call is a
// no-op.
package journal

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one journaled record.
type Entry struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	SessionID string         `gorm:"index" json:"sessionId"`
	Kind      string         `gorm:"index" json:"kind"`
	Key       string         `json:"key"`
	Payload   datatypes.JSON `json:"payload"`
}

// Entry kinds.
const (
	KindPlayer      = "player"
	KindVehicle     = "vehicle"
	KindEnvironment = "environment"
	KindChat        = "chat"
	KindSession     = "session"
)

// Recorder appends entries to the journal database.
type Recorder struct {
	db      *gorm.DB
	log     zerolog.Logger
	isValid bool
}

// NewRecorder creates a disconnected recorder. All methods are safe to
// call before Connect.
func NewRecorder(log zerolog.Logger) *Recorder {
	return &Recorder{log: log}
}

// Connect opens the journal database. driver is "sqlite" or "postgres";
// a failed Postgres connection falls back to local SQLite so a broken
// DSN cannot cost us the recording.
func (r *Recorder) Connect(driver, path, dsn string) error {
	var (
		db  *gorm.DB
		err error
	)

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), gormConfig())
		if err != nil {
			r.log.Error().Err(err).Msg("journal postgres connect failed, falling back to sqlite")
			db, err = r.openSqlite(path)
		}
	case "sqlite":
		db, err = r.openSqlite(path)
	default:
		return fmt.Errorf("unknown journal driver: %s", driver)
	}
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}

	r.db = db
	r.isValid = true
	r.log.Info().Str("driver", driver).Msg("journal recorder connected")
	return nil
}

func (r *Recorder) openSqlite(path string) (*gorm.DB, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	return gorm.Open(sqlite.Open(path), gormConfig())
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// IsValid reports whether the recorder is connected.
func (r *Recorder) IsValid() bool {
	return r.isValid
}

// Record appends one entry. Errors are logged, not returned: a journal
// hiccup must never surface into the sync path.
func (r *Recorder) Record(sessionID, kind, key string, payload []byte) {
	if !r.isValid {
		return
	}
	entry := Entry{
		SessionID: sessionID,
		Kind:      kind,
		Key:       key,
		Payload:   datatypes.JSON(payload),
	}
	if err := r.db.Create(&entry).Error; err != nil {
		r.log.Warn().Err(err).Str("kind", kind).Msg("journal append failed")
	}
}

// Recent returns the newest entries for a session, newest first.
func (r *Recorder) Recent(sessionID string, limit int) ([]Entry, error) {
	if !r.isValid {
		return nil, nil
	}
	var entries []Entry
	err := r.db.
		Where("session_id = ?", sessionID).
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return entries, nil
}

// Close closes the underlying connection.
func (r *Recorder) Close() error {
	if !r.isValid {
		return nil
	}
	r.isValid = false
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
