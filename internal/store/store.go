// Package store persists conversations, their turns and the study artifacts
// derived from them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ArtifactKind string

const (
	KindFlashcards ArtifactKind = "flashcards"
	KindQuiz       ArtifactKind = "quiz"
)

type Turn struct {
	ID             string
	Role           Role
	Content        string
	ImagePath      string
	ImageMediaType string
	CreatedAt      time.Time
}

type NewTurn struct {
	Role           Role
	Content        string
	ImagePath      string
	ImageMediaType string
}

type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	Turns     []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ConversationSummary struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Artifact struct {
	ID             string
	OwnerID        string
	ConversationID string
	Kind           ArtifactKind
	Title          string
	Items          json.RawMessage
	ItemCount      int
	CreatedAt      time.Time
}

type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateConversation inserts a conversation together with its first turns.
func (s *SQLStore) CreateConversation(ctx context.Context, ownerID, title string, turns []NewTurn) (Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Conversation{}, errors.New("owner is required")
	}

	now := s.now()
	conv := Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, errors.Wrap(err, "begin create conversation")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?);
`, conv.ID, ownerID, conv.Title, formatTime(now), formatTime(now)); err != nil {
		return Conversation{}, errors.Wrap(err, "insert conversation")
	}

	inserted, err := insertTurns(ctx, tx, conv.ID, 0, turns, now)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, errors.Wrap(err, "commit create conversation")
	}

	conv.Turns = inserted
	return conv, nil
}

// AppendTurns adds turns to a conversation owned by ownerID and bumps its
// updated time. It reports how many turns the conversation held before the
// append and returns ErrNotFound for unknown or foreign conversations.
func (s *SQLStore) AppendTurns(ctx context.Context, ownerID, conversationID string, turns []NewTurn) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin append turns")
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int
	err = tx.QueryRowContext(ctx, `
SELECT COALESCE((SELECT MAX(seq) FROM turns WHERE conversation_id = c.id), 0)
FROM conversations c
WHERE c.id = ? AND c.owner_id = ?;
`, conversationID, ownerID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "load conversation for append")
	}

	now := s.now()
	if _, err := insertTurns(ctx, tx, conversationID, lastSeq, turns, now); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?;`, formatTime(now), conversationID); err != nil {
		return 0, errors.Wrap(err, "touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit append turns")
	}
	return lastSeq, nil
}

// RenameConversation replaces the title of a conversation owned by ownerID.
func (s *SQLStore) RenameConversation(ctx context.Context, ownerID, conversationID, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ? AND owner_id = ?;`, title, conversationID, ownerID)
	if err != nil {
		return errors.Wrap(err, "rename conversation")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rename conversation rows")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func insertTurns(ctx context.Context, tx *sql.Tx, conversationID string, lastSeq int, turns []NewTurn, now time.Time) ([]Turn, error) {
	out := make([]Turn, 0, len(turns))
	for i, turn := range turns {
		inserted := Turn{
			ID:             uuid.NewString(),
			Role:           turn.Role,
			Content:        turn.Content,
			ImagePath:      turn.ImagePath,
			ImageMediaType: turn.ImageMediaType,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO turns (id, conversation_id, seq, role, content, image_path, image_media_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, inserted.ID, conversationID, lastSeq+i+1, string(turn.Role), turn.Content, turn.ImagePath, turn.ImageMediaType, formatTime(now)); err != nil {
			return nil, errors.Wrapf(err, "insert turn %d", lastSeq+i+1)
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, ownerID, conversationID string) (Conversation, error) {
	var (
		conv      Conversation
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE id = ? AND owner_id = ?;
`, conversationID, ownerID).Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, errors.Wrap(err, "get conversation")
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, image_path, image_media_type, created_at
FROM turns
WHERE conversation_id = ?
ORDER BY seq ASC;
`, conversationID)
	if err != nil {
		return Conversation{}, errors.Wrap(err, "list turns")
	}
	defer rows.Close()

	conv.Turns = make([]Turn, 0, 8)
	for rows.Next() {
		var (
			turn    Turn
			role    string
			created string
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &turn.ImagePath, &turn.ImageMediaType, &created); err != nil {
			return Conversation{}, errors.Wrap(err, "scan turn")
		}
		turn.Role = Role(role)
		turn.CreatedAt = parseTime(created)
		conv.Turns = append(conv.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, errors.Wrap(err, "iterate turns")
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently updated
// first.
func (s *SQLStore) ListConversations(ctx context.Context, ownerID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, created_at, updated_at
FROM conversations
WHERE owner_id = ?
ORDER BY updated_at DESC, created_at DESC;
`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, 16)
	for rows.Next() {
		var (
			summary   ConversationSummary
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		summary.CreatedAt = parseTime(createdAt)
		summary.UpdatedAt = parseTime(updatedAt)
		out = append(out, summary)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

// DeleteConversation removes the conversation with its turns and artifacts.
// It returns the image paths its turns referenced so the caller can clean up
// blob storage.
func (s *SQLStore) DeleteConversation(ctx context.Context, ownerID, conversationID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin delete conversation")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ? AND owner_id = ?;`, conversationID, ownerID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation for delete")
	}

	rows, err := tx.QueryContext(ctx, `SELECT image_path FROM turns WHERE conversation_id = ? AND image_path <> '';`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "list turn images")
	}
	var imagePaths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "scan turn image")
		}
		imagePaths = append(imagePaths, path)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "close turn images")
	}

	for _, statement := range []string{
		`DELETE FROM artifacts WHERE conversation_id = ? AND owner_id = ?;`,
		`DELETE FROM turns WHERE conversation_id = ?;`,
		`DELETE FROM conversations WHERE id = ? AND owner_id = ?;`,
	} {
		args := []any{conversationID}
		if strings.Contains(statement, "owner_id") {
			args = append(args, ownerID)
		}
		if _, err := tx.ExecContext(ctx, statement, args...); err != nil {
			return nil, errors.Wrap(err, "delete conversation")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit delete conversation")
	}
	return imagePaths, nil
}

// CreateArtifact stores an artifact against a conversation the owner holds.
func (s *SQLStore) CreateArtifact(ctx context.Context, artifact Artifact) (Artifact, error) {
	if artifact.ItemCount < 1 {
		return Artifact{}, errors.New("artifact must contain at least one item")
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ? AND owner_id = ?;`, artifact.ConversationID, artifact.OwnerID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, errors.Wrap(err, "load conversation for artifact")
	}

	artifact.ID = uuid.NewString()
	artifact.CreatedAt = s.now()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts (id, owner_id, conversation_id, kind, title, items, item_count, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, artifact.ID, artifact.OwnerID, artifact.ConversationID, string(artifact.Kind), artifact.Title, string(artifact.Items), artifact.ItemCount, formatTime(artifact.CreatedAt)); err != nil {
		return Artifact{}, errors.Wrap(err, "insert artifact")
	}
	return artifact, nil
}

// ListArtifacts returns the owner's artifacts, newest first, optionally
// narrowed to one conversation.
func (s *SQLStore) ListArtifacts(ctx context.Context, ownerID, conversationID string) ([]Artifact, error) {
	query := `
SELECT id, owner_id, conversation_id, kind, title, items, item_count, created_at
FROM artifacts
WHERE owner_id = ?`
	args := []any{ownerID}
	if strings.TrimSpace(conversationID) != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	defer rows.Close()

	out := make([]Artifact, 0, 16)
	for rows.Next() {
		var (
			artifact  Artifact
			kind      string
			items     string
			createdAt string
		)
		if err := rows.Scan(&artifact.ID, &artifact.OwnerID, &artifact.ConversationID, &kind, &artifact.Title, &items, &artifact.ItemCount, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		artifact.Kind = ArtifactKind(kind)
		artifact.Items = json.RawMessage(items)
		artifact.CreatedAt = parseTime(createdAt)
		out = append(out, artifact)
	}
	return out, errors.Wrap(rows.Err(), "iterate artifacts")
}

func (s *SQLStore) DeleteArtifact(ctx context.Context, ownerID, artifactID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ? AND owner_id = ?;`, artifactID, ownerID)
	if err != nil {
		return errors.Wrap(err, "delete artifact")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete artifact rows affected")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fixed width so that text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
