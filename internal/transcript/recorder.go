// Package transcript keeps an append-only record of conversation turns.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// Entry is one recorded turn. Actor is a platform user id or "assistant".
type Entry struct {
	Time            time.Time
	Environment     string
	Actor           string
	ConversationKey string
	Content         string
}

// Line renders the entry as [time]:[actor]:[conversation]:[content].
func (e Entry) Line() string {
	return fmt.Sprintf("[%s]:[%s]:[%s]:[%s]", e.Time.Format(timeLayout), e.Actor, e.ConversationKey, e.Content)
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// FileLog appends one line per entry to a log file.
type FileLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// OpenFileLog opens path for appending, creating parent directories.
func OpenFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript log %s: %w", path, err)
	}
	return &FileLog{w: f, closer: f}, nil
}

// NewFileLog writes to w; the caller keeps ownership of w.
func NewFileLog(w io.Writer) *FileLog {
	return &FileLog{w: w}
}

func (l *FileLog) Record(_ context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	line := entry.Line()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, line); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func (l *FileLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Archive inserts entries into the turns table.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) Record(ctx context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO turns (environment, conversation_key, actor, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Environment, entry.ConversationKey, entry.Actor, entry.Content, entry.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	return nil
}

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) error { return nil }
