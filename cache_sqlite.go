package staffline

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteCache implements Cache on a local SQLite file.
type SQLiteCache struct {
	db *sql.DB
}

var _ Cache = (*SQLiteCache)(nil)

// NewSQLiteCache opens (and migrates) the cache database at dsn.
// Use ":memory:" for a throwaway cache.
func NewSQLiteCache(dsn string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache database")
	}
	// a single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate cache database")
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, position)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			cached_at DATETIME NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := c.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// PutConversations replaces the cached list of userID.
func (c *SQLiteCache) PutConversations(userID string, convs []Conversation) error {
	tx, err := c.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "clear conversations")
	}
	for i, conv := range convs {
		payload, err := json.Marshal(conv)
		if err != nil {
			return errors.Wrap(err, "marshal conversation")
		}
		_, err = tx.Exec(
			`INSERT INTO conversations (user_id, conversation_id, position, payload) VALUES (?, ?, ?, ?)`,
			userID, conv.ID, i, string(payload),
		)
		if err != nil {
			return errors.Wrapf(err, "insert conversation %s", conv.ID)
		}
	}
	return tx.Commit()
}

func (c *SQLiteCache) Conversations(userID string) ([]Conversation, error) {
	rows, err := c.db.Query(
		`SELECT payload FROM conversations WHERE user_id = ? ORDER BY position`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, errors.Wrap(err, "decode conversation")
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (c *SQLiteCache) PutProfile(p *Profile) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal profile")
	}
	_, err = c.db.Exec(
		`INSERT INTO profiles (user_id, payload, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		p.UserID, string(payload), time.Now().UTC(),
	)
	return errors.Wrap(err, "upsert profile")
}

func (c *SQLiteCache) Profile(userID string) (*Profile, error) {
	var payload string
	err := c.db.QueryRow(`SELECT payload FROM profiles WHERE user_id = ?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query profile")
	}
	var p Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	return &p, nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
