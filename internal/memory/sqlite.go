// Package memory provides conversation storage.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/messages"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory: store is closed")

// Drivers accepted by Open.
const (
	DriverCGo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

type job struct {
	fn   func(db *sql.DB) error
	done chan error
}

// SQLiteStore keeps each conversation as append-only rows of serialized
// message lists. Every statement runs on a single worker goroutine, so
// operations are strictly serialized in submission order.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	bus    *events.Bus

	jobs    chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Open opens (creating if needed) the SQLite database at path using the
// named driver and starts the store's worker.
func Open(path, driver string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := dataSource(path, driver)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.worker()

	logger.Debug("conversation store opened", "path", path, "driver", driver)
	return s, nil
}

func dataSource(path, driver string) (string, error) {
	switch driver {
	case DriverCGo:
		if path == ":memory:" {
			return path, nil
		}
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		if path == ":memory:" {
			return path, nil
		}
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		conversation_id TEXT,
		message_list TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`)
	return err
}

// SetEventBus sets the bus that receives a messages_saved event per row.
func (s *SQLiteStore) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

func (s *SQLiteStore) worker() {
	defer close(s.stopped)
	for {
		select {
		case j := <-s.jobs:
			j.done <- j.fn(s.db)
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the worker and waits for it. If ctx ends after fn was
// handed over, fn still runs to completion.
func (s *SQLiteStore) do(ctx context.Context, fn func(db *sql.DB) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddMessages stores data, a JSON array of serialized messages, as one
// row of the conversation.
func (s *SQLiteStore) AddMessages(ctx context.Context, conversationID string, data []byte) error {
	var count int
	err := s.do(ctx, func(db *sql.DB) error {
		if _, err := db.Exec(
			`INSERT INTO messages (conversation_id, message_list) VALUES (?, ?)`,
			conversationID, string(data),
		); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if msgs, derr := messages.Unmarshal(data); derr == nil {
		count = len(msgs)
	}
	s.logger.Debug("messages saved", "conversation", conversationID, "messages", count, "bytes", len(data))
	s.bus.Emit(events.SourceStore, events.KindMessagesSaved, map[string]any{
		"conversation_id": conversationID,
		"messages":        count,
	})
	return nil
}

// SaveMessages serializes msgs and stores them as one row.
func (s *SQLiteStore) SaveMessages(ctx context.Context, conversationID string, msgs []messages.Message) error {
	data, err := messages.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	return s.AddMessages(ctx, conversationID, data)
}

// GetMessages returns the stored messages of a conversation, rows
// concatenated in insertion order. An empty conversationID returns every
// row of every conversation.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]messages.Message, error) {
	var rows []string
	err := s.do(ctx, func(db *sql.DB) error {
		var (
			r   *sql.Rows
			err error
		)
		if conversationID == "" {
			r, err = db.Query(`SELECT message_list FROM messages ORDER BY id`)
		} else {
			r, err = db.Query(`SELECT message_list FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
		}
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer r.Close()
		for r.Next() {
			var list string
			if err := r.Scan(&list); err != nil {
				return fmt.Errorf("scan messages: %w", err)
			}
			rows = append(rows, list)
		}
		return r.Err()
	})
	if err != nil {
		return nil, err
	}

	out := []messages.Message{}
	for _, list := range rows {
		msgs, err := messages.Unmarshal([]byte(list))
		if err != nil {
			return nil, fmt.Errorf("decode stored messages: %w", err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// GetConversations returns every conversation id, sorted, without
// duplicates.
func (s *SQLiteStore) GetConversations(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.do(ctx, func(db *sql.DB) error {
		r, err := db.Query(`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
		if err != nil {
			return fmt.Errorf("query conversations: %w", err)
		}
		defer r.Close()
		for r.Next() {
			var id sql.NullString
			if err := r.Scan(&id); err != nil {
				return fmt.Errorf("scan conversation: %w", err)
			}
			if id.Valid {
				ids = append(ids, id.String)
			}
		}
		return r.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// OnComplete returns a callback that stores input followed by the run's
// new messages as a single row of conversationID.
func (s *SQLiteStore) OnComplete(conversationID string, input []messages.Message) func(ctx context.Context, res *agent.Result) error {
	return func(ctx context.Context, res *agent.Result) error {
		all := append([]messages.Message(nil), input...)
		all = append(all, res.NewMessages()...)
		return s.SaveMessages(ctx, conversationID, all)
	}
}

// Close stops the worker and closes the database. Operations after Close
// return ErrClosed.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		<-s.stopped
		err = s.db.Close()
	})
	return err
}
