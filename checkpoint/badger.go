package checkpoint

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
)

const badgerPrefix = "checkpoint/"

// BadgerStore はチェックポイントを badger のキー "checkpoint/<runID>/<epoch>" に保存します。
// エポック番号はゼロ埋めで、キーの辞書順がエポック順になります。
type BadgerStore struct {
	db    *badger.DB
	owned bool
}

// BadgerOption は BadgerStore を開くときの設定です。
type BadgerOption func(*badgerConfig)

type badgerConfig struct {
	inMemory   bool
	syncWrites bool
	logger     log.Logger
}

// WithInMemory はディスクに書かない badger を使います。テスト用です。
func WithInMemory() BadgerOption {
	return func(c *badgerConfig) { c.inMemory = true; c.syncWrites = false }
}

// WithSyncWrites は書き込みごとに fsync するかを設定します（既定は有効）。
func WithSyncWrites(enabled bool) BadgerOption {
	return func(c *badgerConfig) { c.syncWrites = enabled }
}

// WithBadgerLogger は badger 内部のログを logger に流します。既定では捨てます。
func WithBadgerLogger(logger log.Logger) BadgerOption {
	return func(c *badgerConfig) { c.logger = logger }
}

// badgerLogger は badger.Logger を log.Logger に合わせます。
type badgerLogger struct {
	logger log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadgerStore は path にデータベースを開きます。WithInMemory のときは path を無視します。
func OpenBadgerStore(path string, opts ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerConfig{syncWrites: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	var bopts badger.Options
	if cfg.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, errors.NewConfigurationError("checkpoint.dir", "path is required for persistent badger store", path)
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", path)
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts = bopts.WithSyncWrites(cfg.syncWrites).WithNumVersionsToKeep(1)
	if cfg.logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: cfg.logger.With(log.ComponentKey, "badger")})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}
	return &BadgerStore{db: db, owned: true}, nil
}

// NewBadgerStore は既存の DB を使います。Close しても DB は閉じません。
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.NewValueError("checkpoint.NewBadgerStore", "db is nil")
	}
	return &BadgerStore{db: db}, nil
}

// Close は OpenBadgerStore で開いた DB を閉じます。
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func runPrefix(runID string) []byte {
	return []byte(badgerPrefix + runID + "/")
}

func badgerKey(runID string, epoch int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", badgerPrefix, runID, epoch))
}

// Save はチェックポイントを1トランザクションで書き込みます。
func (s *BadgerStore) Save(ctx context.Context, ckpt *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ckpt.Validate(); err != nil {
		return err
	}
	value, err := model.Marshal(ckpt)
	if err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(badgerKey(ckpt.RunID, ckpt.Epoch), value); err != nil {
		return errors.Wrap(err, "badger set")
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrap(err, "badger commit")
	}
	return nil
}

// Load は指定エポックのチェックポイントを読み込みます。
func (s *BadgerStore) Load(ctx context.Context, runID string, epoch int) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	var ckpt Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(runID, epoch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound(runID, epoch)
		}
		if err != nil {
			return errors.Wrap(err, "badger get")
		}
		return item.Value(func(val []byte) error {
			return model.Unmarshal(val, &ckpt)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ckpt, nil
}

// Latest は逆順イテレータでキーが最大のチェックポイントを読み込みます。
func (s *BadgerStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	prefix := runPrefix(runID)
	var ckpt *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 逆順ではプレフィックスの直後から探す
		seek := append(append([]byte(nil), prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return notFound(runID, -1)
		}
		return it.Item().Value(func(val []byte) error {
			var c Checkpoint
			if err := model.Unmarshal(val, &c); err != nil {
				return err
			}
			ckpt = &c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ckpt, nil
}

// List はキーだけを走査して保存済みエポックを昇順で返します。
func (s *BadgerStore) List(ctx context.Context, runID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	prefix := runPrefix(runID)
	var epochs []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			epoch, err := strconv.Atoi(string(it.Item().Key()[len(prefix):]))
			if err != nil {
				return errors.Wrapf(err, "malformed checkpoint key %q", it.Item().Key())
			}
			epochs = append(epochs, epoch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return epochs, nil
}
