package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

const fileExt = ".ckpt"

// FileStore は dir/<runID>/epoch-000042.ckpt に gob で保存します。
type FileStore struct {
	dir string
}

// NewFileStore は dir を作成して FileStore を返します。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.NewConfigurationError("checkpoint.dir", "must not be empty", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string, epoch int) string {
	return filepath.Join(s.dir, runID, fmt.Sprintf("epoch-%06d%s", epoch, fileExt))
}

// Save はチェックポイントを書き込みます。同じエポックは上書きされます。
func (s *FileStore) Save(ctx context.Context, ckpt *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ckpt.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.dir, ckpt.RunID), 0o755); err != nil {
		return errors.Wrapf(err, "create run dir %s", ckpt.RunID)
	}
	return model.SaveFile(ckpt, s.path(ckpt.RunID, ckpt.Epoch))
}

// Load は指定エポックのチェックポイントを読み込みます。
func (s *FileStore) Load(ctx context.Context, runID string, epoch int) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	p := s.path(runID, epoch)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil, notFound(runID, epoch)
	}
	var ckpt Checkpoint
	if err := model.LoadFile(&ckpt, p); err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", p)
	}
	return &ckpt, nil
}

// Latest は最新エポックのチェックポイントです。
func (s *FileStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	epochs, err := s.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, notFound(runID, -1)
	}
	return s.Load(ctx, runID, epochs[len(epochs)-1])
}

// List は保存済みエポックを昇順で返します。
func (s *FileStore) List(ctx context.Context, runID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list run %s", runID)
	}
	var epochs []int
	for _, e := range entries {
		if epoch, ok := parseEpoch(e.Name()); ok && !e.IsDir() {
			epochs = append(epochs, epoch)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

// parseEpoch は "epoch-000042.ckpt" から 42 を取り出します。書き込み途中の .tmp は無視します。
func parseEpoch(name string) (int, bool) {
	if !strings.HasPrefix(name, "epoch-") || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	var epoch int
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, fileExt), "epoch-%d", &epoch); err != nil {
		return 0, false
	}
	return epoch, true
}
