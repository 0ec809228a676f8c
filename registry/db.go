package registry

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/martinjo/ai/internal/gobstore"
	"github.com/martinjo/ai/proto"
)

// DB is a persistent [Registry]: a sqlite index over gob-encoded
// conversation payloads on disk.
type DB struct {
	db    *sqlx.DB
	blobs *gobstore.Store[[]proto.Message]
}

var _ Registry = &DB{}

// Entry is one indexed conversation.
type Entry struct {
	Endpoint  string    `db:"endpoint"`
	ID        string    `db:"id"`
	UpdatedAt time.Time `db:"updated_at"`
}

// DefaultPath returns the default registry location.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "ai")
}

// Open creates or opens a registry rooted at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("could not create registry: %w", err)
	}
	db, err := sqlx.Open("sqlite", filepath.Join(path, "registry.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("could not create registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping registry: %w", err)
	}
	if _, err := db.Exec(`
		create table if not exists conversations(
			endpoint text not null,
			id text not null,
			updated_at datetime not null,
			primary key (endpoint, id)
		);
	`); err != nil {
		return nil, fmt.Errorf("could not migrate registry: %w", err)
	}
	blobs, err := gobstore.New[[]proto.Message](filepath.Join(path, "conversations"))
	if err != nil {
		return nil, err
	}
	return &DB{db: db, blobs: blobs}, nil
}

// Load returns the conversation stored for (endpoint, id).
func (d *DB) Load(endpoint, id string) ([]proto.Message, error) {
	var found string
	err := d.db.Get(&found, `
		select id from conversations
		where endpoint = $1 and id = $2
	`, endpoint, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load conversation: %w", err)
	}
	var messages []proto.Message
	if err := d.blobs.Read(blobKey(endpoint, id), &messages); err != nil {
		return nil, fmt.Errorf("could not load conversation: %w", err)
	}
	return messages, nil
}

// Save stores the conversation for (endpoint, id).
func (d *DB) Save(endpoint, id string, messages []proto.Message) error {
	payload := messages
	if err := d.blobs.Write(blobKey(endpoint, id), &payload); err != nil {
		return fmt.Errorf("could not save conversation: %w", err)
	}
	if _, err := d.db.Exec(`
		insert into conversations (endpoint, id, updated_at)
		values ($1, $2, $3)
		on conflict (endpoint, id) do update set updated_at = excluded.updated_at
	`, endpoint, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("could not save conversation: %w", err)
	}
	return nil
}

// Delete removes the conversation for (endpoint, id).
func (d *DB) Delete(endpoint, id string) error {
	if _, err := d.db.Exec(`
		delete from conversations
		where endpoint = $1 and id = $2
	`, endpoint, id); err != nil {
		return fmt.Errorf("could not delete conversation: %w", err)
	}
	if err := d.blobs.Delete(blobKey(endpoint, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not delete conversation: %w", err)
	}
	return nil
}

// List returns all indexed conversations, most recently updated first.
func (d *DB) List() ([]Entry, error) {
	var entries []Entry
	if err := d.db.Select(&entries, `
		select endpoint, id, updated_at from conversations
		order by updated_at desc
	`); err != nil {
		return nil, fmt.Errorf("could not list conversations: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

func blobKey(endpoint, id string) string {
	sum := sha256.Sum256([]byte(endpoint + "\x00" + id))
	return fmt.Sprintf("%x", sum[:20])
}
