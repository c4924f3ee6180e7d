// Package outbox implements the worker-side outbound result cache from
// spec.md §4.E: a filesystem-backed, per-worker durable buffer for
// results that could not reach the dispatcher, grounded on the pickle
// cache in the original worker/worker.py but built on afero.Fs so the
// TTL/replay logic can run against an in-memory filesystem in tests.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/task"
)

const cacheSuffix = ".cache"

// Entry is a self-contained serialized record a worker stashes when it
// cannot reach the dispatcher with a result.
type Entry struct {
	TaskID      string                 `json:"task_id"`
	ResultBody  map[string]interface{} `json:"result_body"`
	Status      task.Status            `json:"status"`
	WorkerID    string                 `json:"worker_id"`
	CaptureTime time.Time              `json:"capture_time"`
}

func (e Entry) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.CaptureTime) > ttl
}

// Cache is the worker's private outbound cache directory.
type Cache struct {
	fs  afero.Fs
	dir string
	ttl time.Duration
}

func New(fs afero.Fs, dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create cache dir: %w", err)
	}
	return &Cache{fs: fs, dir: dir, ttl: ttl}, nil
}

// Save persists a result that could not be submitted. Each save gets its
// own file so repeated failures for the same task don't clobber each other.
func (c *Cache) Save(e Entry) error {
	if e.CaptureTime.IsZero() {
		e.CaptureTime = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox: marshal entry: %w", err)
	}
	name := fmt.Sprintf("%s-%s%s", e.TaskID, uuid.New().String(), cacheSuffix)
	path := c.path(name)
	if err := afero.WriteFile(c.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("outbox: write entry: %w", err)
	}
	return nil
}

func (c *Cache) path(name string) string {
	return c.dir + "/" + name
}

// ReplayAll scans the cache directory and attempts submit for every
// entry. A successful submit deletes the file; a failed submit leaves it
// for the next retry interval; an entry older than the TTL is dropped
// unsent, since the dispatcher will have already reclaimed the task.
func (c *Cache) ReplayAll(ctx context.Context, submit func(ctx context.Context, e Entry) error) error {
	names, err := c.listCacheFiles()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := c.path(name)
		data, err := afero.ReadFile(c.fs, path)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logger.Warn().Str("file", name).Err(err).Msg("outbox: dropping unreadable cache entry")
			_ = c.fs.Remove(path)
			continue
		}
		if e.expired(c.ttl, now) {
			logger.Warn().Str("task_id", e.TaskID).Msg("outbox: cache entry exceeded TTL, dropping unsent")
			_ = c.fs.Remove(path)
			continue
		}
		if err := submit(ctx, e); err != nil {
			logger.Warn().Str("task_id", e.TaskID).Err(err).Msg("outbox: replay failed, will retry")
			continue
		}
		if err := c.fs.Remove(path); err != nil {
			logger.Warn().Str("task_id", e.TaskID).Err(err).Msg("outbox: failed to remove replayed entry")
		}
	}
	return nil
}

func (c *Cache) listCacheFiles() ([]string, error) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return nil, fmt.Errorf("outbox: list cache dir: %w", err)
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), cacheSuffix) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
