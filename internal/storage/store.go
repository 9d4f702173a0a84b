package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
	sqlite "modernc.org/sqlite"

	"roomcast/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and implements Backend.
type Store struct {
	db *sql.DB
}

// ErrRoomExists is returned when a room name is already taken.
var ErrRoomExists = fmt.Errorf("%w: room already exists", chat.ErrValidation)

var _ Backend = (*Store)(nil)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomcast.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			creator_id TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			file_id TEXT NOT NULL DEFAULT '',
			ai_kind TEXT NOT NULL DEFAULT '',
			mentions TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			temp_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts DESC);`,
		`CREATE TABLE IF NOT EXISTS message_readers (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id TEXT NOT NULL,
			emoji TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, emoji, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			uploader_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertUser records or refreshes a user's public profile.
func (s *Store) UpsertUser(ctx context.Context, user chat.UserSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, name, email, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, user.ID, user.Name, user.Email, time.Now().UnixMilli())
	return err
}

// GetUserSummary fetches the public profile of a user.
func (s *Store) GetUserSummary(ctx context.Context, id string) (chat.UserSummary, error) {
	var user chat.UserSummary
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Name, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.UserSummary{}, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	return user, err
}

// CreateFile stores file metadata produced by the upload collaborator.
func (s *Store) CreateFile(ctx context.Context, file chat.FileSummary, uploaderID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files(id, filename, mime_type, size, uploader_id, created_at) VALUES(?, ?, ?, ?, ?, ?)
	`, file.ID, file.Filename, file.MimeType, file.Size, uploaderID, time.Now().UnixMilli())
	return err
}

// GetFileSummary fetches file metadata by id.
func (s *Store) GetFileSummary(ctx context.Context, id string) (chat.FileSummary, error) {
	var file chat.FileSummary
	err := s.db.QueryRowContext(ctx, `SELECT id, filename, mime_type, size FROM files WHERE id = ?`, id).
		Scan(&file.ID, &file.Filename, &file.MimeType, &file.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.FileSummary{}, fmt.Errorf("file %s: %w", id, chat.ErrNotFound)
	}
	return file, err
}

// CreateRoom inserts a room. A non-empty password is stored as a bcrypt hash.
func (s *Store) CreateRoom(ctx context.Context, name, creatorID, password string) (chat.Room, error) {
	room := chat.Room{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		CreatorID:    creatorID,
		Participants: []string{},
		CreatedAt:    chat.Now(),
	}
	if room.Name == "" {
		return chat.Room{}, fmt.Errorf("%w: room name is required", chat.ErrValidation)
	}
	hash, err := HashRoomPassword(password)
	if err != nil {
		return chat.Room{}, err
	}
	room.PasswordHash = hash
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms(id, name, creator_id, password_hash, created_at) VALUES(?, ?, ?, ?, ?)
	`, room.ID, room.Name, room.CreatorID, room.PasswordHash, room.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return chat.Room{}, ErrRoomExists
		}
		return chat.Room{}, err
	}
	return room, nil
}

// GetRoom fetches a room with its participant list.
func (s *Store) GetRoom(ctx context.Context, id string) (chat.Room, error) {
	var (
		room    chat.Room
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, creator_id, password_hash, created_at FROM rooms WHERE id = ?`, id).
		Scan(&room.ID, &room.Name, &room.CreatorID, &room.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, fmt.Errorf("room %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Room{}, err
	}
	room.CreatedAt = time.UnixMilli(created).UTC()
	room.Participants, err = s.participants(ctx, id)
	return room, err
}

// ListRooms returns every room ordered by creation time.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, creator_id, password_hash, created_at FROM rooms ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	var rooms []chat.Room
	for rows.Next() {
		var (
			room    chat.Room
			created int64
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatorID, &room.PasswordHash, &created); err != nil {
			rows.Close()
			return nil, err
		}
		room.CreatedAt = time.UnixMilli(created).UTC()
		rooms = append(rooms, room)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range rooms {
		if rooms[i].Participants, err = s.participants(ctx, rooms[i].ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *Store) participants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// UpdateParticipants adds or removes a user from a room's participant set and
// returns the updated room. Adding an existing participant is a no-op.
func (s *Store) UpdateParticipants(ctx context.Context, roomID string, op chat.ParticipantOp, userID string) (chat.Room, error) {
	var err error
	switch op {
	case chat.ParticipantAdd:
		var exists int
		if err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, roomID).Scan(&exists); err != nil {
			return chat.Room{}, err
		}
		if exists == 0 {
			return chat.Room{}, fmt.Errorf("room %s: %w", roomID, chat.ErrNotFound)
		}
		_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO room_participants(room_id, user_id, joined_at) VALUES(?, ?, ?)`,
			roomID, userID, time.Now().UnixMilli())
	case chat.ParticipantRemove:
		_, err = s.db.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	default:
		return chat.Room{}, fmt.Errorf("%w: unknown participant op %q", chat.ErrValidation, op)
	}
	if err != nil {
		return chat.Room{}, err
	}
	return s.GetRoom(ctx, roomID)
}

// HashRoomPassword returns the bcrypt hash of password, or "" for an open room.
func HashRoomPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckRoomPassword returns chat.ErrForbidden unless password opens the room.
func CheckRoomPassword(room chat.Room, password string) error {
	if !room.HasPassword() {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("room %s: wrong password: %w", room.ID, chat.ErrForbidden)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes carry the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
