// Package checkpoint はトレーナーの状態を実行IDとエポックで保存・復元します。
//
// 保存されるのはクエリ側・キー側のネットワーク、オプティマイザの状態、設定です。
// メモリキューは保存しません。再開時は空のキューから始めます。
package checkpoint

import (
	"context"
	"regexp"
	"time"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Checkpoint はあるエポック終了時点の学習状態です。
type Checkpoint struct {
	RunID string
	// Epoch は完了したエポック番号（0 始まり）です。
	Epoch int
	// Step はそれまでの累計ステップ数です。
	Step int

	Network      *model.NetworkState
	Projector    *model.NetworkState
	KeyNetwork   *model.NetworkState
	KeyProjector *model.NetworkState
	Optimizer    *optim.State

	// Config は学習設定のシリアライズ結果（YAML または JSON）です。
	Config   []byte
	Metadata map[string]string

	CreatedAt time.Time
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRunID はファイル名やオブジェクト名に使える実行IDかを確認します。
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return errors.NewConfigurationError("run_id", "must match [A-Za-z0-9][A-Za-z0-9._-]*", runID)
	}
	return nil
}

// Validate は必須フィールドを確認します。
func (c *Checkpoint) Validate() error {
	if c == nil {
		return errors.NewValueError("Checkpoint.Validate", "checkpoint is nil")
	}
	if err := ValidateRunID(c.RunID); err != nil {
		return err
	}
	if c.Epoch < 0 {
		return errors.NewValueError("Checkpoint.Validate", "epoch must be non-negative")
	}
	for name, ns := range map[string]*model.NetworkState{
		"network":       c.Network,
		"projector":     c.Projector,
		"key_network":   c.KeyNetwork,
		"key_projector": c.KeyProjector,
	} {
		if ns == nil {
			return errors.NewValueError("Checkpoint.Validate", name+" state is missing")
		}
		if err := ns.Validate(); err != nil {
			return errors.Wrapf(err, "checkpoint %s", name)
		}
	}
	return nil
}

// Store はチェックポイントの保存先です。
//
// 存在しないチェックポイントの読み込みは ErrCheckpointNotFound を返します。
type Store interface {
	Save(ctx context.Context, ckpt *Checkpoint) error
	Load(ctx context.Context, runID string, epoch int) (*Checkpoint, error)
	// Latest はエポック番号が最大のチェックポイントです。
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// List は保存済みのエポック番号を昇順で返します。
	List(ctx context.Context, runID string) ([]int, error)
}

func notFound(runID string, epoch int) error {
	if epoch < 0 {
		return errors.Wrapf(errors.ErrCheckpointNotFound, "run %s", runID)
	}
	return errors.Wrapf(errors.ErrCheckpointNotFound, "run %s epoch %d", runID, epoch)
}
