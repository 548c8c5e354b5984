package main

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YuminosukeSato/supmoco/checkpoint"
	"github.com/YuminosukeSato/supmoco/config"
	"github.com/YuminosukeSato/supmoco/data"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
	"github.com/YuminosukeSato/supmoco/preprocessing"
	"github.com/YuminosukeSato/supmoco/sink"
)

// cohort は学習と評価に使うデータ一式です。
// 同じ設定からは同じ分割と正規化になるので、eval でも学習時と同じ集合を再現できます。
type cohort struct {
	train  *data.PairLoader
	memory *data.BatchLoader
	query  *data.BatchLoader
}

func buildCohort(cfg *config.Config) (*cohort, error) {
	ds, err := data.Synthetic(data.SyntheticConfig{
		Shape:             cfg.Shape(),
		NumSamples:        cfg.Data.NumSamples,
		NumClasses:        cfg.Data.NumClasses,
		Noise:             cfg.Data.Noise,
		UnlabeledFraction: cfg.Data.UnlabeledFraction,
		Seed:              cfg.Train.Seed,
	})
	if err != nil {
		return nil, err
	}
	train, test, err := ds.Split(cfg.Data.TestFraction, rand.New(rand.NewSource(cfg.Train.Seed)))
	if err != nil {
		return nil, err
	}

	if cfg.Data.Intensity != "none" {
		mode, err := preprocessing.ParseScaleMode(cfg.Data.Intensity)
		if err != nil {
			return nil, err
		}
		scaler, err := preprocessing.NewIntensityScaler(preprocessing.WithMode(mode))
		if err != nil {
			return nil, err
		}
		// 統計量は学習側だけから求める
		if err := scaler.Fit(train.X()); err != nil {
			return nil, err
		}
		if train, err = train.Apply(scaler.Transform); err != nil {
			return nil, err
		}
		if test, err = test.Apply(scaler.Transform); err != nil {
			return nil, err
		}
	}

	var augs []data.Transform
	if cfg.Data.Flip {
		augs = append(augs,
			data.RandomFlip(data.AxisHeight, 0.5),
			data.RandomFlip(data.AxisWidth, 0.5),
			data.RandomFlip(data.AxisDepth, 0.5))
	}
	if cfg.Data.NoiseStd > 0 {
		augs = append(augs, data.GaussianNoise(cfg.Data.NoiseStd))
	}
	aug := data.Compose(augs...)

	opts := []data.PairOption{
		data.WithSeed(cfg.Train.Seed),
		data.WithPrefetch(cfg.Data.Prefetch),
		data.WithAugment(aug, aug),
	}
	if cfg.Data.Workers > 0 {
		opts = append(opts, data.WithWorkers(cfg.Data.Workers))
	}
	c := &cohort{}
	if c.train, err = data.NewPairLoader(train, cfg.Train.BatchSize, opts...); err != nil {
		return nil, err
	}
	if c.memory, err = data.NewBatchLoader(train, cfg.Train.BatchSize); err != nil {
		return nil, err
	}
	if c.query, err = data.NewBatchLoader(test, cfg.Train.BatchSize); err != nil {
		return nil, err
	}
	return c, nil
}

func buildEncoder(cfg *config.Config) (*nn.Encoder, error) {
	kind, err := nn.ParseBackboneKind(cfg.Model.Backbone)
	if err != nil {
		return nil, err
	}
	opts := append(cfg.BackboneOptions(), nn.WithRand(rand.New(rand.NewSource(cfg.Train.Seed))))
	return nn.BuildEncoder(kind, cfg.Shape(), cfg.Model.ProjectorDim, opts...)
}

// openStore は設定された保存先を開きます。"none" なら nil の Store を返します。
func openStore(ctx context.Context, cfg *config.Config, logger log.Logger) (checkpoint.Store, func() error, error) {
	noop := func() error { return nil }
	c := cfg.Checkpoint
	switch c.Backend {
	case "none":
		return nil, noop, nil
	case "file":
		s, err := checkpoint.NewFileStore(c.Dir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "badger":
		s, err := checkpoint.OpenBadgerStore(c.Dir, checkpoint.WithBadgerLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "gcs":
		s, err := checkpoint.NewGCSStore(ctx, c.Bucket, c.Prefix, c.CredentialsFile)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, errors.NewConfigurationError("checkpoint.backend", "unknown backend", c.Backend)
	}
}

// outputs は学習中の記録先です。
type outputs struct {
	sink    sink.Sink
	history *sink.HistorySink
	closers []func()
}

func (o *outputs) close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}

func buildOutputs(cfg *config.Config, runID string, logger log.Logger) (*outputs, error) {
	o := &outputs{history: sink.NewHistorySink()}
	sinks := []sink.Sink{sink.NewLogSink(logger), o.history}

	reg := prometheus.NewRegistry()
	sinks = append(sinks, sink.NewPrometheusSink(reg, runID))
	if cfg.Sink.MetricsAddr != "" {
		srv := serveMetrics(cfg.Sink.MetricsAddr, reg, logger)
		o.closers = append(o.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if cfg.Sink.InfluxURL != "" {
		is, err := sink.NewInfluxSink(cfg.Sink.InfluxURL, cfg.Sink.InfluxToken, cfg.Sink.InfluxOrg, cfg.Sink.InfluxBucket, runID)
		if err != nil {
			o.close()
			return nil, err
		}
		sinks = append(sinks, is)
		o.closers = append(o.closers, is.Close)
	}
	o.sink = sink.Multi(sinks...)
	return o, nil
}

// serveMetrics は /metrics を addr で公開します。
func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", log.ErrAttrKey, err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// savePlot は学習曲線を書き出します。曲線が空なら何もしません。
func savePlot(o *outputs, filename, runID string, logger log.Logger) error {
	if filename == "" || len(o.history.Names()) == 0 {
		return nil
	}
	if err := o.history.SavePlot(filename, runID); err != nil {
		return err
	}
	logger.Info("plot saved", "file", filename)
	return nil
}
