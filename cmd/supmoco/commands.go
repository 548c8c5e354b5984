package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/supmoco/config"
	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/neighbors"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
	"github.com/YuminosukeSato/supmoco/sink"
	"github.com/YuminosukeSato/supmoco/supmoco"
)

// version はビルド時に -ldflags で上書きされます。
var version = "dev"

// app はサブコマンド間で共有する状態です。PersistentPreRunE で埋まります。
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	runID      string

	cfg    *config.Config
	logger log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "supmoco",
		Short:         "Supervised momentum contrastive pretraining for 3D volumes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "zerolog", "zerolog, or cloud for Cloud Logging JSON")
	root.PersistentFlags().StringVar(&a.runID, "run-id", "", "run identifier (overrides the config)")

	root.AddCommand(a.trainCmd(), a.resumeCmd(), a.evalCmd(), versionCmd())
	return root
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.runID != "" {
		cfg.RunID = a.runID
	}
	level, ok := log.ParseLevel(cfg.LogLevel)
	if !ok {
		return errors.NewConfigurationError("log_level", "unknown level", cfg.LogLevel)
	}
	switch a.logFormat {
	case "zerolog", "":
		a.logger = log.NewZerologLogger(stderr, level)
	case "cloud":
		if a.logger, err = log.SetupLogger(stderr, cfg.LogLevel); err != nil {
			return err
		}
	default:
		return errors.NewConfigurationError("log_format", "must be zerolog or cloud", a.logFormat)
	}
	a.cfg = cfg
	log.InstallWarnings(a.logger)
	return nil
}

func (a *app) trainCmd() *cobra.Command {
	var timeLimit time.Duration
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an encoder from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.RunID == "" {
				a.cfg.RunID = uuid.NewString()
			}
			return a.runTraining(cmd.Context(), cmd.OutOrStdout(), false, timeLimit)
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "stop after this much wall time (0 disables)")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var timeLimit time.Duration
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a run from its latest checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.RunID == "" {
				return errors.NewConfigurationError("run_id", "is required to resume", "")
			}
			return a.runTraining(cmd.Context(), cmd.OutOrStdout(), true, timeLimit)
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "stop after this much wall time (0 disables)")
	return cmd
}

func (a *app) evalCmd() *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Report k-NN metrics of the latest checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.RunID == "" {
				return errors.NewConfigurationError("run_id", "is required to evaluate", "")
			}
			return a.runEval(cmd.Context(), cmd.OutOrStdout(), exportDir)
		},
	}
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "also write the query network as network.json and projector.json")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "supmoco", version)
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) runTraining(parent context.Context, out io.Writer, resume bool, timeLimit time.Duration) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg := a.cfg
	logger := a.logger.With(log.RunIDKey, cfg.RunID)

	c, err := buildCohort(cfg)
	if err != nil {
		return err
	}
	enc, err := buildEncoder(cfg)
	if err != nil {
		return err
	}
	opt, err := cfg.NewOptimizer()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(); cerr != nil {
			logger.Warn("closing checkpoint store failed", log.ErrAttrKey, cerr)
		}
	}()
	outs, err := buildOutputs(cfg, cfg.RunID, logger)
	if err != nil {
		return err
	}
	defer outs.close()

	blob, err := cfg.Marshal()
	if err != nil {
		return err
	}
	callbacks := []supmoco.Callback{}
	if cfg.Train.EarlyStopping > 0 {
		callbacks = append(callbacks, supmoco.EarlyStopping(cfg.Train.EarlyStopping, sink.KNNKey(cfg.KNN.Ks[0]), false))
	}
	if timeLimit > 0 {
		callbacks = append(callbacks, supmoco.TimeLimit(timeLimit))
	}

	trainer, err := supmoco.NewTrainer(cfg.TrainerConfig(), enc, opt, store, outs.sink,
		supmoco.WithLogger(logger),
		supmoco.WithCallbacks(callbacks...),
		supmoco.WithConfigBlob(blob),
	)
	if err != nil {
		return err
	}
	if resume {
		if err := trainer.Resume(ctx); err != nil {
			return err
		}
	}

	runErr := trainer.Run(ctx, c.train, c.memory, c.query)
	if err := savePlot(outs, cfg.Sink.PlotFile, cfg.RunID, logger); err != nil {
		logger.Warn("plot not written", log.ErrAttrKey, err)
	}
	if runErr != nil {
		return runErr
	}

	st := trainer.State()
	fmt.Fprintf(out, "run_id=%s epochs=%d steps=%d loss=%.6f\n", st.RunID, st.Epoch, st.Step, st.LastLoss)
	for _, k := range sortedInts(st.Scores) {
		fmt.Fprintf(out, "%s=%.4f\n", sink.KNNKey(k), st.Scores[k])
	}
	return nil
}

func (a *app) runEval(parent context.Context, out io.Writer, exportDir string) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg := a.cfg
	logger := a.logger.With(log.RunIDKey, cfg.RunID)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	if store == nil {
		return errors.NewConfigurationError("checkpoint.backend", "eval needs a checkpoint store", cfg.Checkpoint.Backend)
	}
	ckpt, err := store.Latest(ctx, cfg.RunID)
	if err != nil {
		return err
	}

	// チェックポイントに同梱された設定があればそれでネットワークとデータを組み直す
	if len(ckpt.Config) > 0 {
		saved, err := config.Unmarshal(ckpt.Config)
		if err != nil {
			return err
		}
		saved.RunID = cfg.RunID
		cfg = saved
	}

	c, err := buildCohort(cfg)
	if err != nil {
		return err
	}
	enc, err := buildEncoder(cfg)
	if err != nil {
		return err
	}
	if err := enc.LoadState(ckpt.Network, ckpt.Projector); err != nil {
		return errors.Wrapf(err, "load epoch %d", ckpt.Epoch)
	}

	knn, err := neighbors.NewKNNEvaluator(cfg.KNN.Ks, cfg.Data.NumClasses,
		neighbors.WithTemperature(cfg.KNN.Temperature),
		neighbors.WithLogger(logger))
	if err != nil {
		return err
	}
	reports, err := knn.EvaluateReport(ctx, enc, c.memory, c.query)
	if err != nil {
		return err
	}
	logger.Info("evaluated checkpoint", log.EpochKey, ckpt.Epoch)
	if exportDir != "" {
		if err := exportWeights(exportDir, ckpt.Network, ckpt.Projector); err != nil {
			return err
		}
		logger.Info("weights exported", "dir", exportDir)
	}

	fmt.Fprintf(out, "run_id=%s epoch=%d\n", cfg.RunID, ckpt.Epoch)
	for _, k := range sortedInts(reports) {
		r := reports[k]
		fmt.Fprintf(out, "k=%d accuracy=%.4f balanced_accuracy=%.4f", k, r.Accuracy, r.BalancedAccuracy)
		if r.Binary {
			fmt.Fprintf(out, " sensitivity=%.4f specificity=%.4f auc=%.4f", r.Sensitivity, r.Specificity, r.AUC)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// exportWeights はクエリ側のバックボーンと射影ヘッドを JSON で書き出します。
func exportWeights(dir string, network, projector *model.NetworkState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	for name, ns := range map[string]*model.NetworkState{"network.json": network, "projector.json": projector} {
		b, err := ns.ToJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	return nil
}

func sortedInts[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
