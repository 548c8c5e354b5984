package sink

import (
	"context"

	"github.com/YuminosukeSato/supmoco/pkg/log"
)

// LogSink は値を構造化ログとして出力します。
type LogSink struct {
	logger log.Logger
}

// NewLogSink は logger に書き込む Sink を作ります。nil なら何も出力しません。
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger.With(log.ComponentKey, "sink")}
}

// Log は1行に全ての値を載せて出力します。
func (s *LogSink) Log(_ context.Context, step int, values map[string]float64) error {
	fields := make([]any, 0, 2+2*len(values))
	fields = append(fields, log.EpochKey, step)
	for _, k := range sortedKeys(values) {
		fields = append(fields, k, values[k])
	}
	s.logger.Info("metrics", fields...)
	return nil
}

// Message は Info レベルで出力します。
func (s *LogSink) Message(_ context.Context, msg string) error {
	s.logger.Info(msg)
	return nil
}
