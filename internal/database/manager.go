// Package database is the sqlite-backed persistence layer behind the write API
// and the admission gate's event lookups.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"litepost/internal/observability"
	dbconfig "litepost/pkg/database"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// ErrManagerClosed is returned by writes issued after Close.
var ErrManagerClosed = errors.New("database manager is closed")

const (
	writeQueueSize    = 100
	writeQueueTimeout = 30 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database file and starts the single writer.
// Migrations are not applied; call Migrate.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return newManager(db, logger), nil
}

// newManager wraps an already opened handle. Tests pass a sqlmock handle here.
func newManager(db *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &Manager{
		db:           db,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// Migrate applies pending embedded migrations.
func (m *Manager) Migrate() ([]string, error) {
	applied, err := dbconfig.NewMigrationManager(m.db, dbconfig.Migrations()).ApplyMigrations()
	if err != nil {
		return applied, err
	}
	if len(applied) > 0 {
		m.logger.Info("migrations applied", "versions", applied)
	}
	return applied, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: A busy or locked database is retried exactly once
			if isBusy(err) {
				m.logger.Warn("database write busy, retrying", "delay", m.retryDelay, "error", err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeQueueTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return errors.New("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// The operation is queued: wait for it even if ctx ends, the writer observes ctx itself.
	return <-result
}

// EventExists answers the admission gate. A missing row is (false, nil).
func (m *Manager) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}
	return exists, nil
}

// CreateUser stores an unverified account.
func (m *Manager) CreateUser(ctx context.Context, user *types.User, verificationToken string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, username, name, email, verified, verification_token, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			user.ID,
			user.Username,
			user.Name,
			user.Email,
			user.Verified,
			nullString(verificationToken),
			user.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", mapConstraint(err))
		}
		return nil
	})
}

// GetUser retrieves a user by ID
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, username, name, email, verified, created_at
		FROM users
		WHERE id = ?
	`, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// VerifyUser consumes a verification token. Tokens are single use.
func (m *Manager) VerifyUser(ctx context.Context, verificationToken string) (*types.User, error) {
	var user *types.User
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, username, name, email, verified, created_at
			FROM users
			WHERE verification_token = ?
		`, verificationToken)
		found, err := scanUser(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return interfaces.ErrUserNotFound
			}
			return fmt.Errorf("failed to query user: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET verified = 1, verification_token = NULL WHERE id = ?
		`, found.ID); err != nil {
			return fmt.Errorf("failed to verify user: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit verification: %w", err)
		}

		found.Verified = true
		user = found
		return nil
	})
	return user, err
}

// CreateEvent creates a new event in the database
func (m *Manager) CreateEvent(ctx context.Context, event *types.Event) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO events (id, title, owner_id, created_at)
			VALUES (?, ?, ?, ?)
		`, event.ID, event.Title, event.OwnerID, event.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", mapConstraint(err))
		}
		return nil
	})
}

// GetEvent retrieves an event by ID
func (m *Manager) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	var event types.Event
	err := m.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, created_at
		FROM events
		WHERE id = ?
	`, eventID).Scan(&event.ID, &event.Title, &event.OwnerID, &event.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	return &event, nil
}

// CreateMessage stores a message. It returns once the row is committed.
func (m *Manager) CreateMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, event_id, author_id, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			message.ID,
			message.EventID,
			message.AuthorID,
			message.Content,
			message.CreatedAt.UTC(),
			message.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", mapConstraint(err))
		}
		return nil
	})
}

const messageColumns = `
	SELECT m.id, m.event_id, m.author_id, u.username, u.name, m.content, m.created_at, m.updated_at
	FROM messages m
	JOIN users u ON u.id = m.author_id
`

// GetMessage retrieves one message of an event together with its author's profile.
func (m *Manager) GetMessage(ctx context.Context, eventID, messageID string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, messageColumns+` WHERE m.event_id = ? AND m.id = ?`, eventID, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return message, nil
}

// UpdateMessage replaces a message's content and bumps updated_at.
func (m *Manager) UpdateMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `
			UPDATE messages
			SET content = ?, updated_at = ?
			WHERE event_id = ? AND id = ?
		`, message.Content, message.UpdatedAt.UTC(), message.EventID, message.ID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		return requireRow(result, interfaces.ErrMessageNotFound)
	})
}

// DeleteMessage removes a message from an event.
func (m *Manager) DeleteMessage(ctx context.Context, eventID, messageID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `DELETE FROM messages WHERE event_id = ? AND id = ?`, eventID, messageID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return requireRow(result, interfaces.ErrMessageNotFound)
	})
}

// ListMessages returns an event's messages, oldest first.
func (m *Manager) ListMessages(ctx context.Context, eventID string) ([]*types.Message, error) {
	// FUNCTIONAL DISCOVERY: Order by created_at ASC for chronological history
	rows, err := m.db.QueryContext(ctx, messageColumns+` WHERE m.event_id = ? ORDER BY m.created_at ASC, m.id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	if err := row.Scan(&user.ID, &user.Username, &user.Name, &user.Email, &user.Verified, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		message  types.Message
		username string
		name     string
	)
	err := row.Scan(
		&message.ID,
		&message.EventID,
		&message.AuthorID,
		&username,
		&name,
		&message.Content,
		&message.CreatedAt,
		&message.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	message.Author = &types.PublicProfile{
		ID:          message.AuthorID,
		Username:    username,
		Name:        name,
		DisplayName: types.DisplayNameFor(name, username),
	}
	return &message, nil
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapConstraint turns unique violations into ErrConflict and keeps the driver error as detail.
func mapConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %v", interfaces.ErrConflict, err)
		}
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
