package supmoco

import (
	"math"
	"time"

	"github.com/YuminosukeSato/supmoco/pkg/log"
)

// CallbackEnv はエポック終了時にコールバックへ渡される環境です。
type CallbackEnv struct {
	Trainer   *Trainer
	Epoch     int
	Step      int
	BeginTime time.Time
	EndTime   time.Time
	// EvalResults は "loss" と、評価したエポックなら "knn@k" を含みます。
	EvalResults map[string]float64
	// Evaluated はこのエポックで k-NN 評価とチェックポイント保存を行ったかどうかです。
	Evaluated    bool
	StopTraining bool
}

// Callback はエポック終了ごとに呼ばれます。エラーを返すと学習は失敗として終了します。
type Callback func(env *CallbackEnv) error

// EarlyStopping は metric が rounds 回続けて改善しなければ学習を止めます。
// metric を含まないエポック（評価しないエポック）は数えません。
func EarlyStopping(rounds int, metric string, minimize bool) Callback {
	best := math.Inf(-1)
	if minimize {
		best = math.Inf(1)
	}
	bestEpoch := 0
	noImprove := 0

	return func(env *CallbackEnv) error {
		value, ok := env.EvalResults[metric]
		if !ok {
			return nil
		}
		improved := value > best
		if minimize {
			improved = value < best
		}
		if improved {
			best, bestEpoch, noImprove = value, env.Epoch, 0
			return nil
		}
		noImprove++
		if noImprove >= rounds {
			env.Trainer.logger.Info("early stopping",
				log.EpochKey, env.Epoch,
				"best_epoch", bestEpoch,
				metric, best,
			)
			env.StopTraining = true
		}
		return nil
	}
}

// TimeLimit は学習開始から maxDuration を超えたエポック終了時に学習を止めます。
func TimeLimit(maxDuration time.Duration) Callback {
	var start time.Time
	return func(env *CallbackEnv) error {
		if start.IsZero() {
			start = env.BeginTime
		}
		if env.EndTime.Sub(start) > maxDuration {
			env.Trainer.logger.Info("time limit reached", log.EpochKey, env.Epoch)
			env.StopTraining = true
		}
		return nil
	}
}
