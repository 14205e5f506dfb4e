// Package store persists received screenshot images and tracks them for
// retention. Image bytes go to flat files under the image directory; the
// index of (path, created_at) pairs lives in a BoltDB bucket so retention
// tracking survives coordinator restarts.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/remoshot/remoshot/internal/clock"
)

var bucketImages = []byte("images")

// StoredImage is one index entry: the absolute on-disk path of a written
// image and the wall-clock moment the write succeeded.
type StoredImage struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes screenshot payloads to disk and maintains the retention
// index. Safe for concurrent use; BoltDB serializes the index updates.
type Store struct {
	db    *bolt.DB
	dir   string
	clock clock.Clock
	log   *slog.Logger
}

// Open creates the image directory if needed and opens (or creates) the
// BoltDB index at dbPath.
func Open(dbPath, imageDir string, clk clock.Clock, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory %s: %w", imageDir, err)
	}

	abs, err := filepath.Abs(imageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve image directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open image index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketImages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create image bucket: %w", err)
	}

	return &Store{db: db, dir: abs, clock: clk, log: log.With("component", "store")}, nil
}

// Close closes the underlying index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the absolute image directory path, for the static file server.
func (s *Store) Dir() string {
	return s.dir
}

// Write persists one screenshot payload. The filename embeds the request
// id, agent name, monitor index, and the write timestamp in milliseconds:
//
//	<request_id>_<agent_name>_<monitor>_<millis>.jpg
//
// On success it returns the on-disk path and the public URL under
// /images/. On failure nothing is indexed and no URL is returned.
func (s *Store) Write(requestID, agentName string, monitor uint32, data []byte) (path, url string, err error) {
	filename := fmt.Sprintf("%s_%s_%d_%d.jpg",
		requestID, sanitizeName(agentName), monitor, s.clock.Now().UnixMilli())
	path = filepath.Join(s.dir, filename)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write image %s: %w", filename, err)
	}

	entry := StoredImage{Path: path, CreatedAt: s.clock.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", "", fmt.Errorf("marshal image entry: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put([]byte(path), raw)
	})
	if err != nil {
		// The file exists but is untracked; the orphan scan reaps it later.
		return "", "", fmt.Errorf("index image %s: %w", filename, err)
	}

	return path, "/images/" + filename, nil
}

// Images returns a snapshot of every index entry.
func (s *Store) Images() ([]StoredImage, error) {
	var out []StoredImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(_, v []byte) error {
			var entry StoredImage
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt image entry: %w", err)
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// Count returns the number of indexed images.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	return n, err
}

// Sweep deletes every image whose created_at is at or before cutoff: the
// file first, then the index entry. An image exactly at the retention age
// is expired, not kept. A file that fails to delete (including one
// already missing) is logged and its entry evicted anyway — the entry is
// lost to the sweeper either way, and stale files are tolerated.
//
// The whole tick runs in one write transaction, so concurrent Write calls
// queue behind it rather than interleaving with the walk.
func (s *Store) Sweep(cutoff time.Time) (removed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		c := b.Cursor()

		// Collect keys first: deleting under a ForEach invalidates it.
		var expired [][]byte
		var paths []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry StoredImage
			if err := json.Unmarshal(v, &entry); err != nil {
				s.log.Warn("evicting corrupt image entry", "key", string(k), "error", err)
				expired = append(expired, append([]byte(nil), k...))
				paths = append(paths, "")
				continue
			}
			if !entry.CreatedAt.After(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
				paths = append(paths, entry.Path)
			}
		}

		for i, k := range expired {
			if p := paths[i]; p != "" {
				switch err := os.Remove(p); {
				case err == nil:
					s.log.Info("removed expired image", "path", p)
				case os.IsNotExist(err):
					s.log.Debug("expired image already gone", "path", p)
				default:
					s.log.Warn("failed to remove expired image", "path", p, "error", err)
				}
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("evict image entry: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RemoveOrphans reconciles the directory with the index: files with no
// index entry are deleted, and entries whose file is gone are evicted.
// Scheduled out of band (cron), not part of the retention tick.
func (s *Store) RemoveOrphans() (files, entries int, err error) {
	indexed := make(map[string]bool)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		c := b.Cursor()

		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry StoredImage
			if err := json.Unmarshal(v, &entry); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if _, err := os.Stat(entry.Path); os.IsNotExist(err) {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			indexed[entry.Path] = true
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("evict stale entry: %w", err)
			}
			entries++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return files, entries, fmt.Errorf("scan image directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jpg") {
			continue
		}
		p := filepath.Join(s.dir, de.Name())
		if indexed[p] {
			continue
		}
		if err := os.Remove(p); err != nil {
			s.log.Warn("failed to remove orphan image", "path", p, "error", err)
			continue
		}
		s.log.Info("removed orphan image", "path", p)
		files++
	}
	return files, entries, nil
}

// sanitizeName maps an agent name onto a filename-safe charset. Names are
// free-form and attacker-chosen; a path separator must not escape the
// image directory.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
