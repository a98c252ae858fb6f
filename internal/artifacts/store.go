// Package artifacts is the durable store for files agents produce: both
// uploads from live sandboxes and content recovered from orphaned volumes.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no artifact matches.
var ErrNotFound = errors.New("artifact not found")

// KnownArtifact is the index entry for a stored artifact, without content.
type KnownArtifact struct {
	ID          string    `db:"id" json:"id"`
	AgentID     string    `db:"agent_id" json:"agentId"`
	SourcePath  string    `db:"source_path" json:"sourcePath"`
	ContentHash string    `db:"content_hash" json:"contentHash"`
	MimeType    string    `db:"mime_type" json:"mimeType"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Artifact is a stored artifact with its content.
type Artifact struct {
	KnownArtifact
	Content []byte `db:"content" json:"-"`
}

// HashContent returns the hex blake3 digest used to compare artifact content.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store is the sqlite-backed artifact store.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_mode=rwc&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an existing connection and ensures the schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("artifacts schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id           TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		source_path  TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		content      BLOB NOT NULL,
		mime_type    TEXT NOT NULL DEFAULT 'application/octet-stream',
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_agent_path ON artifacts(agent_id, source_path);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Store saves content under (agentID, artifactID), detecting its MIME type.
// It has the shape of the recovery upload callback.
func (s *Store) Store(ctx context.Context, agentID, artifactID, sourcePath string, content []byte) error {
	return s.Put(ctx, agentID, artifactID, sourcePath, "", content)
}

// Put inserts or replaces an artifact. An empty mimeType is detected from
// the content.
func (s *Store) Put(ctx context.Context, agentID, artifactID, sourcePath, mimeType string, content []byte) error {
	if agentID == "" || artifactID == "" {
		return fmt.Errorf("agent id and artifact id are required")
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(content).String()
	}
	if content == nil {
		content = []byte{}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, agent_id, source_path, content_hash, content, mime_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, id) DO UPDATE SET
			source_path = excluded.source_path,
			content_hash = excluded.content_hash,
			content = excluded.content,
			mime_type = excluded.mime_type,
			updated_at = excluded.updated_at`,
		artifactID, agentID, sourcePath, HashContent(content), content, mimeType, now, now,
	)
	if err != nil {
		return fmt.Errorf("store artifact %s/%s: %w", agentID, artifactID, err)
	}
	return nil
}

// Get returns one artifact with its content.
func (s *Store) Get(ctx context.Context, agentID, artifactID string) (*Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT id, agent_id, source_path, content_hash, content, mime_type, created_at, updated_at
		FROM artifacts WHERE agent_id = ? AND id = ?`, agentID, artifactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, agentID, artifactID)
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// ListByAgent returns the index entries for one agent, ordered by ID.
func (s *Store) ListByAgent(ctx context.Context, agentID string) ([]KnownArtifact, error) {
	var out []KnownArtifact
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, agent_id, source_path, content_hash, mime_type, created_at, updated_at
		FROM artifacts WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out, nil
}
