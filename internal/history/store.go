package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

const (
	runPrefix     = "run:"
	datasetPrefix = "ds:"
)

var _ run.Store = (*Store)(nil)

// Store keeps run records in an embedded Badger database. Each run is stored
// under run:<id>; a per-dataset index ds:<dataset>\x00<started>\x00<id> orders
// runs by start time.
type Store struct {
	db     *badger.DB
	logger *logger.Logger
}

// Open opens or creates the store
func Open(cfg config.HistoryConfig, log *logger.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	s := &Store{db: db, logger: log.WithComponent("history")}
	s.logger.Info("Run history store opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
	)
	return s, nil
}

// Save writes r and its dataset index entry. Saving the same run again
// replaces the record.
func (s *Store) Save(ctx context.Context, r run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(runPrefix+r.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(r), []byte(r.ID))
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the run with id, or run.ErrRunNotFound
func (s *Store) Get(ctx context.Context, id string) (run.Run, error) {
	var r run.Run
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRun(txn, id)
		return err
	})
	return r, err
}

// List returns runs newest first. With a dataset it walks that dataset's
// index backwards; without one it scans every run.
func (s *Store) List(ctx context.Context, dataset string, limit int) ([]run.Run, error) {
	var runs []run.Run
	err := s.db.View(func(txn *badger.Txn) error {
		if dataset == "" {
			return s.scanAll(txn, &runs)
		}

		prefix := []byte(datasetPrefix + dataset + "\x00")
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := getRun(txn, string(id))
			if errors.Is(err, run.ErrRunNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			runs = append(runs, r)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	if dataset == "" {
		run.SortNewestFirst(runs)
		if limit > 0 && len(runs) > limit {
			runs = runs[:limit]
		}
	}
	return runs, nil
}

func (s *Store) scanAll(txn *badger.Txn, runs *[]run.Run) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(runPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var r run.Run
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
		if err != nil {
			return err
		}
		*runs = append(*runs, r)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func getRun(txn *badger.Txn, id string) (run.Run, error) {
	var r run.Run
	item, err := txn.Get([]byte(runPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return r, run.ErrRunNotFound
	}
	if err != nil {
		return r, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	return r, err
}

func indexKey(r run.Run) []byte {
	var b strings.Builder
	b.WriteString(datasetPrefix)
	b.WriteString(r.Dataset)
	b.WriteByte(0)
	// Fixed width so lexical order is chronological
	fmt.Fprintf(&b, "%020d", r.StartedAt.UnixNano())
	b.WriteByte(0)
	b.WriteString(r.ID)
	return []byte(b.String())
}
