package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"candleflow/config"
	"candleflow/internal/archive"
	"candleflow/internal/models"
	"candleflow/logger"
)

// FetchFunc downloads the archive bytes for a window on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Store is a disk cache of daily archive files. Each window maps to one zip
// file. Windows the archive does not have are remembered in memory for the
// lifetime of the Store, so a run does not re-request them; a later process
// checks the archive again, since a day's file is published only after the
// day closes. An optional S3 mirror sits between the disk and the remote
// archive.
type Store struct {
	dir    string
	mirror *Mirror
	log    *logger.Log

	mu      sync.Mutex
	missing map[string]struct{}

	locks [lockShards]sync.Mutex
}

const lockShards = 64

// NewStore creates a disk cache rooted at cfg.Dir. mirror may be nil.
func NewStore(cfg config.CacheConfig, mirror *Mirror, log *logger.Log) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Store{
		dir:     cfg.Dir,
		mirror:  mirror,
		log:     log,
		missing: map[string]struct{}{},
	}, nil
}

// Key renders the relative cache path for one window. The layout mirrors the
// remote archive so a cache directory can be primed from a bulk download.
func Key(dataType, symbol string, tf models.Timeframe, date time.Time) string {
	name := fmt.Sprintf("%s-%s-%s.zip", symbol, tf, models.FormatDate(date))
	return filepath.Join(dataType, symbol, string(tf), name)
}

// GetOrFetch returns the archive bytes for one window, serving from disk when
// present and invoking fetch otherwise. fromCache reports whether the bytes
// were already local. A fetch that ends in archive.ErrNotFound is remembered
// and every later call on this Store returns archive.ErrNotFound without
// touching the network.
func (s *Store) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (data []byte, fromCache bool, err error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if s.isMissing(key) {
		return nil, true, archive.ErrNotFound
	}

	path := filepath.Join(s.dir, key)

	if data, err := os.ReadFile(path); err == nil {
		logger.IncrementCacheHit()
		return data, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading cache file: %w", err)
	}

	if s.mirror != nil {
		if data, err := s.mirror.Get(ctx, key); err == nil {
			if werr := s.writeFile(path, data); werr != nil {
				s.log.WithComponent("cache").WithError(werr).Warn("failed to persist mirrored file")
			}
			logger.IncrementCacheHit()
			return data, true, nil
		}
	}

	data, err = fetch(ctx)
	if errors.Is(err, archive.ErrNotFound) {
		s.markMissing(key)
		return nil, false, archive.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if werr := s.writeFile(path, data); werr != nil {
		return nil, false, fmt.Errorf("persisting cache file: %w", werr)
	}
	if s.mirror != nil {
		s.mirror.Put(ctx, key, data)
	}
	return data, false, nil
}

func (s *Store) isMissing(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.missing[key]
	return ok
}

func (s *Store) markMissing(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[key] = struct{}{}
}

// writeFile writes atomically via a temp file so a crashed run never leaves a
// truncated zip that a later run would try to parse.
func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// keyLock hashes the key into a fixed pool of mutexes. Concurrent callers of
// the same window serialize into one download while the pool stays bounded no
// matter how many windows a long-lived process sees.
func (s *Store) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockShards]
}
