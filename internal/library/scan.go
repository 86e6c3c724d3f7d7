package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"shelfd/internal/events"
)

// Formats lists the file extensions indexed as books.
var Formats = map[string]string{
	".epub": "epub",
	".txt":  "txt",
	".pdf":  "pdf",
	".mobi": "mobi",
	".azw3": "azw3",
	".fb2":  "fb2",
	".cbz":  "cbz",
}

type indexed struct {
	size    int64
	modTime string
}

// Rescan walks the book directory, indexes new or changed files and drops
// books whose file is gone. Progress of dropped books is removed too.
func (s *Store) Rescan(ctx context.Context) (events.LibraryChanged, error) {
	if s.dir == "" {
		return events.LibraryChanged{}, errors.New("library: no directory configured")
	}

	s.mu.Lock()
	result, err := s.rescanLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return result, err
	}

	s.logger.Info("library scanned", "added", result.Added, "removed", result.Removed, "total", result.Total)
	if s.bus != nil && (result.Added > 0 || result.Removed > 0) {
		s.bus.Publish(events.Event{Topic: events.TopicLibraryChanged, Payload: result})
	}
	return result, nil
}

func (s *Store) rescanLocked(ctx context.Context) (res events.LibraryChanged, err error) {
	known := map[string]indexed{}
	rows, err := s.db.QueryContext(ctx, `SELECT id, size, mod_time FROM books`)
	if err != nil {
		return res, err
	}
	for rows.Next() {
		var (
			id  string
			rec indexed
		)
		if err := rows.Scan(&id, &rec.size, &rec.modTime); err != nil {
			rows.Close()
			return res, err
		}
		known[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTimestamp(s.now())
	seen := map[string]bool{}
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("skipping unreadable path", "path", path, "err", walkErr)
			if d != nil && d.IsDir() && path != s.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != s.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		format, ok := Formats[strings.ToLower(filepath.Ext(d.Name()))]
		if !ok || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		id := BookID(rel)
		seen[id] = true

		modTime := formatTimestamp(info.ModTime())
		prev, exists := known[id]
		if exists && prev.size == info.Size() && prev.modTime == modTime {
			return nil
		}

		contentType := "application/octet-stream"
		if mt, err := mimetype.DetectFile(path); err == nil {
			contentType = mt.String()
		}
		title, author := titleAndAuthor(d.Name())
		if _, err := tx.ExecContext(ctx, `INSERT INTO books (`+bookColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title=excluded.title, author=excluded.author, format=excluded.format,
				content_type=excluded.content_type, size=excluded.size, mod_time=excluded.mod_time`,
			id, rel, title, author, format, contentType, info.Size(), modTime, now); err != nil {
			return err
		}
		if !exists {
			res.Added++
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for id := range known {
		if seen[id] {
			continue
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id); err != nil {
			return res, err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM progress WHERE book_id = ?`, id); err != nil {
			return res, err
		}
		res.Removed++
	}
	if err = tx.Commit(); err != nil {
		return res, err
	}
	res.Total = len(seen)
	return res, nil
}

// BookID derives a stable id from a path relative to the book directory.
func BookID(rel string) string {
	sum := sha256.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:8])
}

// titleAndAuthor reads "Author - Title.ext" names; anything else is a title.
func titleAndAuthor(name string) (title, author string) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.TrimSpace(strings.ReplaceAll(base, "_", " "))
	if a, t, ok := strings.Cut(base, " - "); ok && strings.TrimSpace(a) != "" && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t), strings.TrimSpace(a)
	}
	return base, ""
}

// Watch rescans every interval until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Rescan(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic rescan failed", "err", err)
			}
		}
	}
}
