package chatsync

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV is a KV on a local Pebble database, for caches that should
// survive process restarts.
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebbleKV opens (or creates) the database at path.
func OpenPebbleKV(path string) (*PebbleKV, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleKV{db: db}, nil
}

func (s *PebbleKV) Get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *PebbleKV) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleKV) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleKV) Keys(prefix string) ([]string, error) {
	opts := &pebble.IterOptions{LowerBound: []byte(prefix)}
	if upper := prefixUpperBound([]byte(prefix)); upper != nil {
		opts.UpperBound = upper
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for ok := iter.First(); ok; ok = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func (s *PebbleKV) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
