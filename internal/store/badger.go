package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/model"
)

const (
	progressPrefix = "progress/"
	runPrefix      = "run/"

	// maxConflictRetries bounds optimistic transaction retries under contention.
	maxConflictRetries = 20

	// pendingBatchSize keeps MarkPending transactions under badger's size limit.
	pendingBatchSize = 1000
)

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string `yaml:"path" mapstructure:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `yaml:"in_memory" mapstructure:"in_memory"`

	// SyncWrites fsyncs each commit so Record is durable when it returns.
	SyncWrites bool `yaml:"sync_writes" mapstructure:"sync_writes"`
}

// BadgerStore implements Store on BadgerDB. Progress and run records are
// stored as JSON under the progress/ and run/ prefixes.
type BadgerStore struct {
	db *badger.DB
}

// badgerProgress carries the completion sequence alongside the record.
type badgerProgress struct {
	model.ProgressRecord
	Seq int64 `json:"seq"`
}

// zapBadgerLogger routes badger's internal logging through zap.
type zapBadgerLogger struct {
	log *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

// NewBadger opens a BadgerDB instance for progress tracking.
func NewBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, eris.New("badger: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "badger: create directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapBadgerLogger{log: zap.L().Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return eris.New("badger: database closed")
	}
	return nil
}

// Migrate is a no-op; the key layout needs no schema.
func (s *BadgerStore) Migrate(_ context.Context) error {
	return nil
}

func (s *BadgerStore) Close() error {
	return eris.Wrap(s.db.Close(), "badger: close")
}

func (s *BadgerStore) DoneKeys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.scanProgress(func(p badgerProgress) {
		if p.Status == model.ProgressDone {
			keys = append(keys, p.Key)
		}
	})
	return keys, eris.Wrap(err, "badger: done keys")
}

func (s *BadgerStore) MarkPending(_ context.Context, runID string, jobs []model.Job) error {
	now := time.Now().UTC()
	for start := 0; start < len(jobs); start += pendingBatchSize {
		chunk := jobs[start:min(start+pendingBatchSize, len(jobs))]
		err := s.update(func(txn *badger.Txn) error {
			for _, job := range chunk {
				existing, ok, err := getProgress(txn, job.Key())
				if err != nil {
					return err
				}
				if ok && existing.Status == model.ProgressDone {
					continue
				}
				rec := badgerProgress{
					ProgressRecord: model.ProgressRecord{
						Key:       job.Key(),
						Token:     job.Token,
						Status:    model.ProgressPending,
						RunID:     runID,
						UpdatedAt: now,
					},
					Seq: now.UnixNano(),
				}
				if err := putProgress(txn, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return eris.Wrapf(err, "badger: mark pending for run %s", runID)
		}
	}
	return nil
}

func (s *BadgerStore) Record(_ context.Context, rec model.ProgressRecord) (bool, error) {
	var applied bool
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		existing, ok, err := getProgress(txn, rec.Key)
		if err != nil {
			return err
		}
		if ok && !CanOverwrite(existing.ProgressRecord, rec) {
			return nil
		}
		now := recordTime(rec)
		rec.UpdatedAt = now
		if err := putProgress(txn, badgerProgress{ProgressRecord: rec, Seq: now.UnixNano()}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "badger: record %s", rec.Key)
	}
	return applied, nil
}

func (s *BadgerStore) GetProgress(_ context.Context, key string) (*model.ProgressRecord, error) {
	var out *model.ProgressRecord
	err := s.db.View(func(txn *badger.Txn) error {
		p, ok, err := getProgress(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(ErrNotFound, "badger: progress %s", key)
		}
		out = &p.ProgressRecord
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ListResults(_ context.Context, filter ResultFilter) ([]model.ProgressRecord, error) {
	var matched []badgerProgress
	err := s.scanProgress(func(p badgerProgress) {
		if filter.RunID != "" && p.RunID != filter.RunID {
			return
		}
		if filter.Status != "" && p.Status != filter.Status {
			return
		}
		matched = append(matched, p)
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: list results")
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Seq != matched[j].Seq {
			return matched[i].Seq < matched[j].Seq
		}
		return matched[i].Key < matched[j].Key
	})

	var out []model.ProgressRecord
	for _, p := range paginate(matched, filter.Offset, limitOrDefault(filter.Limit)) {
		out = append(out, p.ProgressRecord)
	}
	return out, nil
}

func (s *BadgerStore) Summarize(_ context.Context, runID string) (*model.Summary, error) {
	sum := newSummary()
	err := s.scanProgress(func(p badgerProgress) {
		if p.RunID == runID {
			addToSummary(sum, p.Status, p.Reason, 1)
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "badger: summarize %s", runID)
	}
	return sum, nil
}

func (s *BadgerStore) CreateRun(_ context.Context, run *model.Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "badger: marshal run")
	}
	err = s.update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(runPrefix + run.ID))
		if err == nil {
			return eris.Errorf("run %s already exists", run.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(runPrefix+run.ID), b)
	})
	return eris.Wrapf(err, "badger: insert run %s", run.ID)
}

func (s *BadgerStore) UpdateRun(_ context.Context, run *model.Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "badger: marshal run")
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(runPrefix + run.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return eris.Wrapf(ErrNotFound, "badger: run %s", run.ID)
			}
			return eris.Wrapf(err, "badger: update run %s", run.ID)
		}
		return txn.Set([]byte(runPrefix+run.ID), b)
	})
}

func (s *BadgerStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	var r model.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return eris.Wrapf(ErrNotFound, "badger: get run %s", runID)
		}
		if err != nil {
			return eris.Wrapf(err, "badger: get run %s", runID)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	var runs []model.Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(runPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r model.Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if filter.Status != "" && r.Status != filter.Status {
				continue
			}
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: list runs")
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return paginate(runs, filter.Offset, limitOrDefault(filter.Limit)), nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) scanProgress(fn func(badgerProgress)) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(progressPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p badgerProgress
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return eris.Wrapf(err, "decode %s", it.Item().Key())
			}
			fn(p)
		}
		return nil
	})
}

func getProgress(txn *badger.Txn, key string) (badgerProgress, bool, error) {
	var p badgerProgress
	item, err := txn.Get([]byte(progressPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	return p, err == nil, err
}

func putProgress(txn *badger.Txn, p badgerProgress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return eris.Wrapf(err, "marshal progress %s", p.Key)
	}
	return txn.Set([]byte(progressPrefix+p.Key), b)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}
