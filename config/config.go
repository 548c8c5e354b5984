// Package config は学習ジョブの設定を読み込みます。
//
// 優先順位は 環境変数 > 設定ファイル (YAML、だめなら JSON) > 既定値 です。
// 読み込んだ設定は validator のタグで検証し、失敗は ErrInvalidConfiguration になります。
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/supmoco"
)

// EnvPrefix は環境変数の接頭辞です。
const EnvPrefix = "SUPMOCO_"

// Config は1回の学習ジョブの設定です。
type Config struct {
	RunID    string `json:"run_id" yaml:"run_id" validate:"omitempty,max=128"`
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`

	Data       DataConfig       `json:"data" yaml:"data"`
	Model      ModelConfig      `json:"model" yaml:"model"`
	Train      TrainConfig      `json:"train" yaml:"train"`
	KNN        KNNConfig        `json:"knn" yaml:"knn"`
	Optimizer  OptimizerConfig  `json:"optimizer" yaml:"optimizer"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Sink       SinkConfig       `json:"sink" yaml:"sink"`
}

// DataConfig は入力ボリュームと合成コホートの設定です。
type DataConfig struct {
	Channels int `json:"channels" yaml:"channels" validate:"gt=0"`
	Height   int `json:"height" yaml:"height" validate:"gt=0"`
	Width    int `json:"width" yaml:"width" validate:"gt=0"`
	Depth    int `json:"depth" yaml:"depth" validate:"gt=0"`

	NumSamples        int     `json:"num_samples" yaml:"num_samples" validate:"gt=0"`
	NumClasses        int     `json:"num_classes" yaml:"num_classes" validate:"gte=1"`
	Noise             float64 `json:"noise" yaml:"noise" validate:"gte=0"`
	UnlabeledFraction float64 `json:"unlabeled_fraction" yaml:"unlabeled_fraction" validate:"gte=0,lt=1"`
	TestFraction      float64 `json:"test_fraction" yaml:"test_fraction" validate:"gt=0,lt=1"`

	// Intensity は "global"、"voxel"、"none" のいずれかです。
	Intensity string  `json:"intensity" yaml:"intensity" validate:"oneof=global voxel none"`
	Flip      bool    `json:"flip" yaml:"flip"`
	NoiseStd  float64 `json:"noise_std" yaml:"noise_std" validate:"gte=0"`
	Workers   int     `json:"workers" yaml:"workers" validate:"gte=0"`
	Prefetch  int     `json:"prefetch" yaml:"prefetch" validate:"gt=0"`
}

// ModelConfig はエンコーダの構造です。
type ModelConfig struct {
	Backbone     string `json:"backbone" yaml:"backbone" validate:"oneof=mlp pooled_mlp"`
	HiddenDims   []int  `json:"hidden_dims" yaml:"hidden_dims" validate:"min=1,dive,gt=0"`
	PoolKernel   int    `json:"pool_kernel" yaml:"pool_kernel" validate:"gte=1"`
	ProjectorDim int    `json:"projector_dim" yaml:"projector_dim" validate:"gt=0"`
	FreezeBN     bool   `json:"freeze_bn" yaml:"freeze_bn"`
}

// TrainConfig は学習ループの設定です。
type TrainConfig struct {
	Epochs            int       `json:"epochs" yaml:"epochs" validate:"gt=0"`
	BatchSize         int       `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
	SaveEvery         int       `json:"save_every" yaml:"save_every" validate:"gt=0"`
	NumNegatives      int       `json:"num_negatives" yaml:"num_negatives" validate:"gt=0"`
	RandomQueueInit   bool      `json:"random_queue_init" yaml:"random_queue_init"`
	KeyMomentum       float64   `json:"key_momentum" yaml:"key_momentum" validate:"gte=0,lt=1"`
	Temperature       float64   `json:"temperature" yaml:"temperature" validate:"gt=0"`
	SameSampleMasking bool      `json:"same_sample_masking" yaml:"same_sample_masking"`
	Alphas            []float64 `json:"alphas" yaml:"alphas,omitempty" validate:"dive,gte=0,lte=1"`
	AlphasMin         []float64 `json:"alphas_min" yaml:"alphas_min,omitempty" validate:"dive,gte=0,lte=1"`
	AlphasDecayEnd    []int     `json:"alphas_decay_end" yaml:"alphas_decay_end,omitempty" validate:"dive,gte=0"`
	Seed              int64     `json:"random_state" yaml:"random_state"`
	// EarlyStopping は k-NN 精度が改善しない評価回数の上限です。0 なら無効です。
	EarlyStopping int `json:"early_stopping" yaml:"early_stopping" validate:"gte=0"`
}

// KNNConfig は k-NN 監視の設定です。
type KNNConfig struct {
	Ks          []int   `json:"k" yaml:"k" validate:"min=1,dive,gt=0"`
	Temperature float64 `json:"temperature" yaml:"temperature" validate:"gt=0"`
}

// OptimizerConfig はオプティマイザの設定です。
type OptimizerConfig struct {
	Name         string  `json:"name" yaml:"name" validate:"oneof=sgd adam"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" validate:"gt=0"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay" validate:"gte=0"`
	Momentum     float64 `json:"momentum" yaml:"momentum" validate:"gte=0,lt=1"`
	// GradClip は勾配ノルムの上限です。0 なら切り詰めません。
	GradClip float64 `json:"grad_clip,omitempty" yaml:"grad_clip,omitempty" validate:"gte=0"`
}

// CheckpointConfig は保存先の設定です。
type CheckpointConfig struct {
	// Backend は "file"、"badger"、"gcs"、"none" のいずれかです。
	Backend         string `json:"backend" yaml:"backend" validate:"oneof=file badger gcs none"`
	Dir             string `json:"dir" yaml:"dir" validate:"required_if=Backend file,required_if=Backend badger"`
	Bucket          string `json:"bucket" yaml:"bucket" validate:"required_if=Backend gcs"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// SinkConfig は記録先の設定です。空の項目は無効です。
type SinkConfig struct {
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"`
	InfluxURL    string `json:"influx_url" yaml:"influx_url" validate:"omitempty,url"`
	InfluxToken  string `json:"influx_token" yaml:"influx_token"`
	InfluxOrg    string `json:"influx_org" yaml:"influx_org" validate:"required_with=InfluxURL"`
	InfluxBucket string `json:"influx_bucket" yaml:"influx_bucket" validate:"required_with=InfluxURL"`
	PlotFile     string `json:"plot_file" yaml:"plot_file"`
}

// Default は元の学習スクリプトの既定値を小さなボリューム向けにしたものです。
func Default() Config {
	t := supmoco.DefaultConfig()
	return Config{
		LogLevel: "info",
		Data: DataConfig{
			Channels: 1, Height: 8, Width: 8, Depth: 8,
			NumSamples:        200,
			NumClasses:        2,
			Noise:             0.3,
			UnlabeledFraction: 0.3,
			TestFraction:      0.2,
			Intensity:         "global",
			Flip:              true,
			NoiseStd:          0.05,
			Prefetch:          2,
		},
		Model: ModelConfig{
			Backbone:     string(nn.BackboneMLP),
			HiddenDims:   []int{128, 64},
			PoolKernel:   2,
			ProjectorDim: 32,
		},
		Train: TrainConfig{
			Epochs:            t.Epochs,
			BatchSize:         16,
			SaveEvery:         t.SaveEvery,
			NumNegatives:      t.QueueSize,
			KeyMomentum:       t.KeyMomentum,
			Temperature:       t.Temperature,
			SameSampleMasking: t.SameSampleMasking,
		},
		KNN: KNNConfig{
			Ks:          t.KNNKs,
			Temperature: t.KNNTemperature,
		},
		Optimizer: OptimizerConfig{
			Name:         "sgd",
			LearningRate: 0.03,
			WeightDecay:  1e-4,
			Momentum:     0.9,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "checkpoints",
		},
	}
}

// Load は既定値に path のファイルと環境変数を重ねて検証します。path が空ならファイルは読みません。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := loadEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return errors.Wrapf(errors.Mark(jsonErr, errors.ErrInvalidConfiguration),
				"parse config %s (tried YAML and JSON): YAML error: %v", path, err)
		}
	}
	return nil
}

// loadEnv は SUPMOCO_* の環境変数で上書きします。
func loadEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst interface{}) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		var err error
		switch d := dst.(type) {
		case *int:
			*d, err = strconv.Atoi(v)
		case *int64:
			*d, err = strconv.ParseInt(v, 10, 64)
		case *float64:
			*d, err = strconv.ParseFloat(v, 64)
		}
		if err != nil {
			errs = append(errs, errors.NewConfigurationError(EnvPrefix+name, "not a number", v))
		}
	}

	str("RUN_ID", &cfg.RunID)
	str("LOG_LEVEL", &cfg.LogLevel)
	num("EPOCHS", &cfg.Train.Epochs)
	num("BATCH_SIZE", &cfg.Train.BatchSize)
	num("SAVE_EVERY", &cfg.Train.SaveEvery)
	num("NUM_NEGATIVES", &cfg.Train.NumNegatives)
	num("KEY_MOMENTUM", &cfg.Train.KeyMomentum)
	num("TEMPERATURE", &cfg.Train.Temperature)
	num("SEED", &cfg.Train.Seed)
	num("LEARNING_RATE", &cfg.Optimizer.LearningRate)
	num("GRAD_CLIP", &cfg.Optimizer.GradClip)
	str("OPTIMIZER", &cfg.Optimizer.Name)
	str("BACKBONE", &cfg.Model.Backbone)
	if v, ok := lookup(EnvPrefix + "KNN_K"); ok {
		ks, err := ParseInts(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.KNN.Ks = ks
		}
	}
	str("CHECKPOINT_BACKEND", &cfg.Checkpoint.Backend)
	str("CHECKPOINT_DIR", &cfg.Checkpoint.Dir)
	str("CHECKPOINT_BUCKET", &cfg.Checkpoint.Bucket)
	str("CHECKPOINT_PREFIX", &cfg.Checkpoint.Prefix)
	str("CHECKPOINT_CREDENTIALS", &cfg.Checkpoint.CredentialsFile)
	str("METRICS_ADDR", &cfg.Sink.MetricsAddr)
	str("INFLUX_URL", &cfg.Sink.InfluxURL)
	str("INFLUX_TOKEN", &cfg.Sink.InfluxToken)
	str("INFLUX_ORG", &cfg.Sink.InfluxOrg)
	str("INFLUX_BUCKET", &cfg.Sink.InfluxBucket)

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ParseInts は "1,5,15" のようなカンマ区切りの整数列を読みます。
func ParseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.NewConfigurationError("ints", "not an integer list", s)
		}
		out = append(out, v)
	}
	return out, nil
}

var validate = validator.New()

// Validate はタグと項目間の制約を検証します。最初の違反を ConfigurationError として返します。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewConfigurationError(fe.Namespace(), "failed "+fe.ActualTag()+" "+fe.Param(), fe.Value())
		}
		return errors.Wrap(err, "validate config")
	}
	if c.Train.BatchSize > c.Train.NumNegatives {
		return errors.NewConfigurationError("train.batch_size", "must not exceed num_negatives", c.Train.BatchSize)
	}
	if n := len(c.Train.Alphas); n > 0 && n != c.Data.NumClasses {
		return errors.NewConfigurationError("train.alphas", "must have one value per class", n)
	}
	return nil
}

// Shape は入力ボリュームの形です。
func (c *Config) Shape() tensor.Shape {
	return tensor.Shape{Channels: c.Data.Channels, Height: c.Data.Height, Width: c.Data.Width, Depth: c.Data.Depth}
}

// TrainerConfig は supmoco.Trainer 向けの設定です。
func (c *Config) TrainerConfig() supmoco.Config {
	return supmoco.Config{
		RunID:             c.RunID,
		Epochs:            c.Train.Epochs,
		SaveEvery:         c.Train.SaveEvery,
		QueueSize:         c.Train.NumNegatives,
		RandomQueueInit:   c.Train.RandomQueueInit,
		KeyMomentum:       c.Train.KeyMomentum,
		Temperature:       c.Train.Temperature,
		SameSampleMasking: c.Train.SameSampleMasking,
		NumClasses:        c.Data.NumClasses,
		KNNKs:             append([]int(nil), c.KNN.Ks...),
		KNNTemperature:    c.KNN.Temperature,
		Alphas:            c.Train.Alphas,
		AlphasMin:         c.Train.AlphasMin,
		AlphasDecayEnd:    c.Train.AlphasDecayEnd,
		Seed:              c.Train.Seed,
	}
}

// BackboneOptions は nn.BuildEncoder に渡すオプションです。
func (c *Config) BackboneOptions() []nn.BackboneOption {
	opts := []nn.BackboneOption{nn.WithHiddenDims(c.Model.HiddenDims...)}
	if nn.BackboneKind(c.Model.Backbone) == nn.BackbonePooledMLP {
		opts = append(opts, nn.WithPoolKernel(c.Model.PoolKernel))
	}
	if c.Model.FreezeBN {
		opts = append(opts, nn.WithFrozenBatchNorm())
	}
	return opts
}

// NewOptimizer は設定どおりのオプティマイザを作ります。
func (c *Config) NewOptimizer() (optim.Optimizer, error) {
	opts := []optim.Option{
		optim.WithWeightDecay(c.Optimizer.WeightDecay),
		optim.WithGradClip(c.Optimizer.GradClip),
	}
	if c.Optimizer.Name == "sgd" {
		opts = append(opts, optim.WithMomentum(c.Optimizer.Momentum))
	}
	return optim.New(c.Optimizer.Name, c.Optimizer.LearningRate, opts...)
}

// Marshal は設定を YAML にします。チェックポイントに同梱されます。
func (c *Config) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return b, nil
}

// Unmarshal はチェックポイントに同梱された YAML を読んで検証します。
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidConfiguration), "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
