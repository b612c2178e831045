package db

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Archive is a write-only operational log of relayed text chats. The relay
// itself holds no persistent state; the archive exists for after-the-fact
// inspection and is disabled unless a path is configured.
type Archive struct {
	conn *sql.DB
}

// Entry is one archived chat message.
type Entry struct {
	ID        int64
	Sender    string
	Mode      string
	ChatID    string
	Text      string
	Timestamp time.Time
}

func Open(path string) (*Archive, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	a := &Archive{conn: conn}
	if err := a.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return a, nil
}

func (a *Archive) Close() error {
	return a.conn.Close()
}

func (a *Archive) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			mode TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_log_sender ON chat_log(sender, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_log_chat ON chat_log(chat_id, timestamp)`,
	}

	for _, query := range queries {
		if _, err := a.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// SaveChat appends one relayed chat message to the log.
func (a *Archive) SaveChat(sender, mode, chatID, text string, timestamp time.Time) error {
	_, err := a.conn.Exec(
		"INSERT INTO chat_log (sender, mode, chat_id, text, timestamp) VALUES (?, ?, ?, ?, ?)",
		sender, mode, chatID, text, timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

// Recent returns up to limit newest entries, newest first.
func (a *Archive) Recent(limit int) ([]Entry, error) {
	rows, err := a.conn.Query(
		"SELECT id, sender, mode, chat_id, text, timestamp FROM chat_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.Sender, &e.Mode, &e.ChatID, &e.Text, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Count returns the number of archived messages.
func (a *Archive) Count() (int, error) {
	var n int
	err := a.conn.QueryRow("SELECT COUNT(*) FROM chat_log").Scan(&n)
	return n, err
}
