package table

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

var (
	recPrefix  = []byte("rec/")
	ckptPrefix = []byte("ckpt/")
)

// Store is the persistent threshold table. Reads are served only after
// MarkReady; until then Get reports ErrStoreUnavailable.
type Store struct {
	db       *badger.DB
	gc       *GCRunner
	inMemory bool

	ready  atomic.Bool
	closed atomic.Bool
}

// badgerLogger adapts zerolog to badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}

// Open opens (or creates) the table. badger replays its own write-ahead log
// on open, so records acknowledged before a crash are present afterwards.
func Open(cfg config.TableConfig) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent table")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create table directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites && !cfg.InMemory).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: logger.WithComponent("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrStoreUnavailable, err)
	}

	s := &Store{db: db, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.Start()
	}

	metrics.TableReady.Set(0)
	return s, nil
}

func recordKey(d models.Digest) []byte {
	return append(append([]byte{}, recPrefix...), d.String()...)
}

func checkpointKey(partition int) []byte {
	return append(append([]byte{}, ckptPrefix...), strconv.Itoa(partition)...)
}

// Recover returns every digest stored locally, in key order. The caller
// seeds the membership filter with them before calling MarkReady.
func (s *Store) Recover(ctx context.Context) ([]models.Digest, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	var digests []models.Digest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			key := it.Item().Key()
			d, err := models.ParseDigest(string(key[len(recPrefix):]))
			if err != nil {
				return fmt.Errorf("%w: key %q", ErrCorruptRecord, key)
			}
			digests = append(digests, d)
		}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}

	metrics.TableRecords.Set(float64(len(digests)))
	return digests, nil
}

// Checkpoints returns the last applied offset per config log partition.
func (s *Store) Checkpoints(ctx context.Context) (map[int]int64, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	out := make(map[int]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ckptPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(ckptPrefix); it.ValidForPrefix(ckptPrefix); it.Next() {
			item := it.Item()
			partition, err := strconv.Atoi(string(item.Key()[len(ckptPrefix):]))
			if err != nil {
				return fmt.Errorf("%w: checkpoint key %q", ErrCorruptRecord, item.Key())
			}
			err = item.Value(func(val []byte) error {
				offset, err := strconv.ParseInt(string(val), 10, 64)
				if err != nil {
					return fmt.Errorf("%w: checkpoint %d: %v", ErrCorruptRecord, partition, err)
				}
				out[partition] = offset
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

// Put replaces the record for rec.Digest and records pos as applied, in one
// transaction. Concurrent readers see either the old or the new record.
func (s *Store) Put(ctx context.Context, rec models.ThresholdRecord, pos models.LogPosition) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return s.mapErr(s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.Digest), []byte(rec.Format())); err != nil {
			return err
		}
		return setCheckpoint(txn, pos)
	}))
}

// Delete drops the record for d and records pos as applied.
func (s *Store) Delete(ctx context.Context, d models.Digest, pos models.LogPosition) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return s.mapErr(s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recordKey(d)); err != nil {
			return err
		}
		return setCheckpoint(txn, pos)
	}))
}

// Advance records pos as applied without touching any record. Used for
// config messages that were skipped as malformed.
func (s *Store) Advance(ctx context.Context, pos models.LogPosition) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return s.mapErr(s.db.Update(func(txn *badger.Txn) error {
		return setCheckpoint(txn, pos)
	}))
}

func setCheckpoint(txn *badger.Txn, pos models.LogPosition) error {
	return txn.Set(checkpointKey(pos.Partition), []byte(strconv.FormatInt(pos.Offset, 10)))
}

// Get returns the record for d.
func (s *Store) Get(ctx context.Context, d models.Digest) (models.ThresholdRecord, bool, error) {
	if !s.ready.Load() {
		return models.ThresholdRecord{}, false, ErrStoreUnavailable
	}
	if err := s.usable(ctx); err != nil {
		return models.ThresholdRecord{}, false, err
	}

	var (
		rec   models.ThresholdRecord
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(d))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := models.ParseThresholdRecord(string(val))
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, d, err)
			}
			rec, found = parsed, true
			return nil
		})
	})
	if err != nil {
		return models.ThresholdRecord{}, false, s.mapErr(err)
	}
	return rec, found, nil
}

// MarkReady opens the table for reads.
func (s *Store) MarkReady() {
	if s.ready.Swap(true) {
		return
	}
	metrics.TableReady.Set(1)
}

// Ready reports whether recovery has completed.
func (s *Store) Ready() bool {
	return s.ready.Load() && !s.closed.Load()
}

// Close stops GC and closes badger. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	metrics.TableReady.Set(0)
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}

func (s *Store) usable(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreUnavailable
	}
	return ctx.Err()
}

func (s *Store) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
