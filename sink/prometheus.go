package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "supmoco"

// PrometheusSink は最新の値をゲージとして公開します。
type PrometheusSink struct {
	runID string

	// Values は最新の値です。Labels: run_id, metric (loss, knn@5, ...)
	Values *prometheus.GaugeVec
	// Step は最後に記録した step です。Labels: run_id
	Step *prometheus.GaugeVec
	// Messages はメッセージ数です。Labels: run_id
	Messages *prometheus.CounterVec
}

// NewPrometheusSink は reg にメトリクスを登録します。reg が nil ならデフォルトレジストリです。
func NewPrometheusSink(reg prometheus.Registerer, runID string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusSink{
		runID: runID,
		Values: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "train",
				Name:      "value",
				Help:      "Latest training or evaluation value by metric name",
			},
			[]string{"run_id", "metric"},
		),
		Step: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "train",
				Name:      "step",
				Help:      "Step (epoch) of the latest logged values",
			},
			[]string{"run_id"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "train",
				Name:      "messages_total",
				Help:      "Number of trainer messages",
			},
			[]string{"run_id"},
		),
	}
}

func (s *PrometheusSink) Log(_ context.Context, step int, values map[string]float64) error {
	for k, v := range values {
		s.Values.WithLabelValues(s.runID, k).Set(v)
	}
	s.Step.WithLabelValues(s.runID).Set(float64(step))
	return nil
}

func (s *PrometheusSink) Message(context.Context, string) error {
	s.Messages.WithLabelValues(s.runID).Inc()
	return nil
}
