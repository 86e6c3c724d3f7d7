// Package library indexes the book directory into sqlite and keeps reading
// progress per book.
package library

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

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"shelfd/internal/events"
)

const schemaVersion = 1

var (
	// ErrNotFound is returned for unknown book ids.
	ErrNotFound = errors.New("library: not found")
	// ErrInvalidProgress is returned when a progress update is malformed.
	ErrInvalidProgress = errors.New("library: invalid progress")
)

// Book is one indexed file.
type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
	ModTime     time.Time `json:"modified_at"`
	AddedAt     time.Time `json:"added_at"`
}

// Progress is the last reading position reported for a book.
type Progress struct {
	BookID    string    `json:"book_id"`
	Position  string    `json:"position"`
	Percent   float64   `json:"percent"`
	Device    string    `json:"device,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListQuery filters List. Zero Limit means no limit.
type ListQuery struct {
	Search string
	Limit  int
	Offset int
}

// Store is the sqlite-backed library index.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dir    string
	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time
}

// Options configures Open.
type Options struct {
	// DatabasePath is the sqlite file.
	DatabasePath string
	// Dir is the directory scanned for books.
	Dir    string
	Bus    *events.Bus
	Logger *log.Logger
}

// Open creates the book directory if needed, opens the database and applies
// migrations. It does not scan; call Rescan.
func Open(opts Options) (*Store, error) {
	if opts.DatabasePath == "" {
		return nil, errors.New("library: database path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", opts.DatabasePath)
	if err != nil {
		return nil, err
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate library: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Store{db: db, dir: opts.Dir, bus: opts.Bus, logger: logger, now: time.Now}, nil
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL;`); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func applyMigrations(db *sql.DB) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			rel_path TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			mod_time TEXT NOT NULL,
			added_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS progress (
			book_id TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			percent REAL NOT NULL DEFAULT 0,
			device TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS books_title ON books (title COLLATE NOCASE);`,
		`PRAGMA user_version=` + fmt.Sprint(schemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err = tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Dir is the scanned book directory.
func (s *Store) Dir() string { return s.dir }

const bookColumns = `id, rel_path, title, author, format, content_type, size, mod_time, added_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (Book, error) {
	var (
		b                Book
		modTime, addedAt string
	)
	if err := row.Scan(&b.ID, &b.Path, &b.Title, &b.Author, &b.Format, &b.ContentType, &b.Size, &modTime, &addedAt); err != nil {
		return Book{}, err
	}
	b.ModTime = parseTimestamp(modTime)
	b.AddedAt = parseTimestamp(addedAt)
	return b, nil
}

// List returns books ordered by title.
func (s *Store) List(ctx context.Context, q ListQuery) ([]Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + bookColumns + ` FROM books`
	var args []any
	if term := strings.TrimSpace(q.Search); term != "" {
		query += ` WHERE title LIKE ? ESCAPE '\' OR author LIKE ? ESCAPE '\'`
		like := "%" + escapeLike(term) + "%"
		args = append(args, like, like)
	}
	query += ` ORDER BY title COLLATE NOCASE, id`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of indexed books.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&n)
	return n, err
}

// Get returns one book.
func (s *Store) Get(ctx context.Context, id string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id string) (Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	return b, err
}

// OpenFile opens a book's file for reading. The caller closes it.
func (s *Store) OpenFile(ctx context.Context, id string) (*os.File, Book, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, Book{}, err
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(b.Path)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Book{}, ErrNotFound
	}
	if err != nil {
		return nil, Book{}, err
	}
	return f, b, nil
}

// Progress returns the stored reading position of a book.
func (s *Store) Progress(ctx context.Context, id string) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		p       Progress
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT book_id, position, percent, device, updated_at FROM progress WHERE book_id = ?`, id).
		Scan(&p.BookID, &p.Position, &p.Percent, &p.Device, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, err
	}
	p.UpdatedAt = parseTimestamp(updated)
	return p, nil
}

// SaveProgress stores a reading position and announces it on the bus.
func (s *Store) SaveProgress(ctx context.Context, p Progress) (Progress, error) {
	if p.Percent < 0 || p.Percent > 100 {
		return Progress{}, fmt.Errorf("%w: percent %v outside 0..100", ErrInvalidProgress, p.Percent)
	}
	if strings.TrimSpace(p.Position) == "" {
		return Progress{}, fmt.Errorf("%w: empty position", ErrInvalidProgress)
	}

	s.mu.Lock()
	if _, err := s.getLocked(ctx, p.BookID); err != nil {
		s.mu.Unlock()
		return Progress{}, err
	}
	p.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO progress (book_id, position, percent, device, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
			position=excluded.position, percent=excluded.percent,
			device=excluded.device, updated_at=excluded.updated_at`,
		p.BookID, p.Position, p.Percent, p.Device, formatTimestamp(p.UpdatedAt))
	s.mu.Unlock()
	if err != nil {
		return Progress{}, err
	}

	s.logger.Debug("progress saved", "book", p.BookID, "percent", p.Percent, "device", p.Device)
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: events.TopicProgressSaved, Payload: events.ProgressSaved{
			BookID:    p.BookID,
			Position:  p.Position,
			Percent:   p.Percent,
			Device:    p.Device,
			UpdatedAt: p.UpdatedAt,
		}})
	}
	return p, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
