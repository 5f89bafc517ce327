// Package store persists users and conversation history with GORM. It is the
// chat server's persistence gateway: the broker records delivered messages
// through it and the WebSocket handler resolves display names with it.
package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/merr"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max-open-conns"`
	ConnectRetries int           `mapstructure:"connect-retries"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

// DefaultConfig points at a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Driver:         DriverSQLite,
		DSN:            "chat.db",
		MaxOpenConns:   4,
		ConnectRetries: 5,
		ConnectTimeout: 30 * time.Second,
	}
}

// Store is a GORM-backed user and history repository.
type Store struct {
	db     *gorm.DB
	driver string
	log    *zap.Logger
}

func dialector(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverSQLite, "":
		return sqlite.Open(cfg.DSN), nil
	case DriverPostgres, "postgresql":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, merr.WrapErrInvalidConfig("store.driver", cfg.Driver)
	}
}

// Open connects to the configured database, retrying with exponential
// backoff until it answers a ping, and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, merr.WrapErrInvalidConfig("store.dsn", cfg.DSN, "empty DSN")
	}
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(merr.Combine(merr.WrapErrStoreUnavailable(cfg.Driver), err), "open database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{
		db:     db,
		driver: cfg.Driver,
		log:    log.With(log.FieldComponent("store"), zap.String("driver", cfg.Driver)),
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	ping := func() error {
		if err := sqlDB.PingContext(ctx); err != nil {
			s.log.Warn("database not ready", zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, bo); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(merr.Combine(merr.WrapErrStoreUnavailable(cfg.Driver), err), "ping database")
	}

	if err := db.WithContext(ctx).AutoMigrate(&User{}, &Conversation{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrate schema")
	}

	s.log.Info("store ready")
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordMessage appends one delivered message to the room's history.
func (s *Store) RecordMessage(ctx context.Context, room, from, text string, at time.Time) error {
	conv := &Conversation{
		Room:      room,
		Sender:    from,
		Content:   text,
		CreatedAt: at,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return merr.WrapErrRecordFailed(room, err)
	}
	return nil
}

// ResolveDisplayName maps a caller identity (a user UUID) to its username.
// An empty identity or an unknown user yields ok == false without error.
func (s *Store) ResolveDisplayName(ctx context.Context, identity string) (string, bool, error) {
	if identity == "" {
		return "", false, nil
	}
	id, err := uuid.Parse(identity)
	if err != nil {
		return "", false, merr.WrapErrInvalidIdentity(identity)
	}

	var user User
	err = s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "find user %s", id)
	}
	return user.Username, true, nil
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, phone string) (*User, error) {
	user := &User{Username: username, Phone: phone}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, errors.Wrapf(err, "create user %q", username)
	}
	return user, nil
}

// FindUserByPhone looks a user up by phone number.
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, merr.WrapErrUserNotFound(phone)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find user by phone")
	}
	return &user, nil
}

// History returns up to limit messages of room, oldest first.
func (s *Store) History(ctx context.Context, room string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("created_at DESC").
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load history of %s", room)
	}
	slices.Reverse(convs)
	return convs, nil
}
