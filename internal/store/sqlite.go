package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/evetin/couplet/internal/domain"
	"github.com/evetin/couplet/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS couples (
		couple_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		couple_id TEXT REFERENCES couples(couple_id),
		display_name TEXT NOT NULL,
		is_online INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_couple ON users(couple_id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		couple_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		media_url TEXT,
		is_ephemeral INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_couple ON messages(couple_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages(expires_at) WHERE is_ephemeral = 1;

	CREATE TABLE IF NOT EXISTS games (
		game_id TEXT PRIMARY KEY,
		couple_id TEXT NOT NULL,
		game_type TEXT NOT NULL,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_games_couple ON games(couple_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession retrieves a web session by its ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT session_id, user_id, expires_at, created_at FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var expiresAt, createdAt int64

	err := row.Scan(&session.SessionID, &session.UserID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.ExpiresAt = time.Unix(expiresAt, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	return &session, nil
}

// PutSession creates or replaces a web session row.
func (s *SQLiteStore) PutSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, user_id, expires_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		user_id = excluded.user_id,
		expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID,
		session.ExpiresAt.Unix(), session.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, couple_id, display_name, is_online,
		       last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	return s.scanUser(s.db.QueryRowContext(ctx, query, userID))
}

// GetPartner retrieves the other member of a couple.
func (s *SQLiteStore) GetPartner(ctx context.Context, coupleID, selfID string) (*domain.User, error) {
	query := `
		SELECT user_id, couple_id, display_name, is_online,
		       last_seen_at, created_at, updated_at
		FROM users WHERE couple_id = ? AND user_id != ? LIMIT 1`

	return s.scanUser(s.db.QueryRowContext(ctx, query, coupleID, selfID))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var coupleID sql.NullString
	var isOnline int
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &coupleID, &user.DisplayName, &isOnline,
		&lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CoupleID = coupleID.String
	user.IsOnline = isOnline != 0
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, couple_id, display_name, is_online, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		couple_id = excluded.couple_id,
		display_name = excluded.display_name,
		updated_at = excluded.updated_at`

	var coupleID interface{}
	if user.CoupleID != "" {
		coupleID = user.CoupleID
	}

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, coupleID, user.DisplayName, boolToInt(user.IsOnline),
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SetUserPresence updates is_online and last_seen_at for a user.
func (s *SQLiteStore) SetUserPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	query := `UPDATE users SET is_online = ?, last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, boolToInt(online), lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("SetUserPresence affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetCouple retrieves a couple by ID.
func (s *SQLiteStore) GetCouple(ctx context.Context, coupleID string) (*domain.Couple, error) {
	query := `SELECT couple_id, created_at FROM couples WHERE couple_id = ?`
	row := s.db.QueryRowContext(ctx, query, coupleID)

	var couple domain.Couple
	var createdAt int64

	err := row.Scan(&couple.CoupleID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan couple row: %w", err)
	}

	couple.CreatedAt = time.Unix(createdAt, 0)
	return &couple, nil
}

// UpsertCouple creates a couple record.
func (s *SQLiteStore) UpsertCouple(ctx context.Context, couple *domain.Couple) error {
	query := `INSERT INTO couples (couple_id, created_at) VALUES (?, ?) ON CONFLICT(couple_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, couple.CoupleID, couple.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert couple: %w", err)
	}
	return nil
}

// InsertMessage persists a new message row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, couple_id, sender_id, type, content, media_url, is_ephemeral, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var expiresAt interface{}
	if msg.ExpiresAt != nil {
		expiresAt = msg.ExpiresAt.Unix()
	}
	var content, mediaURL interface{}
	if msg.Content != "" {
		content = msg.Content
	}
	if msg.MediaURL != "" {
		mediaURL = msg.MediaURL
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.CoupleID, msg.SenderID, msg.Type,
		content, mediaURL, boolToInt(msg.IsEphemeral),
		expiresAt, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a couple's messages excluding expired ephemeral rows.
// The expiry predicate is evaluated against the caller-supplied instant, not
// a cached value, since expiry is asynchronous relative to reads.
func (s *SQLiteStore) ListMessages(ctx context.Context, coupleID string, now time.Time) ([]*domain.Message, error) {
	query := `
		SELECT id, couple_id, sender_id, type, content, media_url, is_ephemeral, expires_at, created_at
		FROM messages
		WHERE couple_id = ? AND NOT (is_ephemeral = 1 AND expires_at <= ?)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, coupleID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var content, mediaURL sql.NullString
		var isEphemeral int
		var expiresAt sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &msg.CoupleID, &msg.SenderID, &msg.Type,
			&content, &mediaURL, &isEphemeral, &expiresAt, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Content = content.String
		msg.MediaURL = mediaURL.String
		msg.IsEphemeral = isEphemeral != 0
		if expiresAt.Valid {
			ts := time.Unix(expiresAt.Int64, 0)
			msg.ExpiresAt = &ts
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage removes a message by ID within a couple.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, coupleID, messageID string) error {
	query := `DELETE FROM messages WHERE couple_id = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, query, coupleID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteExpiredMessages removes ephemeral rows whose expiry has passed.
// Retries with exponential backoff on SQLite concurrency errors since the
// sweep races the WebSocket handlers' presence writes.
func (s *SQLiteStore) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		deleted, err := s.deleteExpiredMessagesOnce(ctx, now)
		if err == nil {
			return deleted, nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("expired-message sweep hit SQLITE_BUSY, retrying",
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return 0, fmt.Errorf("sweep expired messages after %d attempts: %w", i+1, err)
	}

	return 0, nil
}

func (s *SQLiteStore) deleteExpiredMessagesOnce(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM messages WHERE is_ephemeral = 1 AND expires_at <= ?`
	result, err := s.db.ExecContext(ctx, query, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpsertGameState writes a best-effort game snapshot.
func (s *SQLiteStore) UpsertGameState(ctx context.Context, state *domain.GameState) error {
	query := `
	INSERT INTO games (game_id, couple_id, game_type, state_json, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(game_id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		state.GameID, state.CoupleID, state.GameType,
		state.StateJSON, state.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert game state: %w", err)
	}
	return nil
}

// GetGameState retrieves a game snapshot by ID.
func (s *SQLiteStore) GetGameState(ctx context.Context, gameID string) (*domain.GameState, error) {
	query := `SELECT game_id, couple_id, game_type, state_json, updated_at FROM games WHERE game_id = ?`
	row := s.db.QueryRowContext(ctx, query, gameID)

	var state domain.GameState
	var updatedAt int64

	err := row.Scan(&state.GameID, &state.CoupleID, &state.GameType, &state.StateJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan game state row: %w", err)
	}

	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
