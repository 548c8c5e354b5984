// Package log defines standard attribute keys for training and evaluation logs.
//
// Keys follow a hierarchical naming convention ("train.epoch", "queue.size")
// so that log lines from the trainer, the k-NN monitor and the checkpoint
// stores can be filtered together.

package log

// Run and component context.
const (
	// RunIDKey identifies one training run; checkpoints are keyed by it.
	RunIDKey = "run.id"

	// ComponentKey identifies the package emitting the record.
	// Examples: "supmoco", "neighbors", "checkpoint"
	ComponentKey = "ml.component"

	// OperationKey names the operation in progress.
	// Standard values: OperationTrain, OperationEvaluate, OperationCheckpoint
	OperationKey = "ml.operation"

	// PhaseKey indicates the trainer state (ready, stepping, evaluating, done).
	PhaseKey = "ml.phase"

	// BackboneKey records the backbone variant.
	BackboneKey = "model.backbone"
)

// Data shape.
const (
	// SamplesKey indicates the number of samples processed.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the flattened input dimension.
	FeaturesKey = "data.features"

	// BatchSizeKey indicates the size of a mini-batch.
	BatchSizeKey = "data.batch_size"

	// UnlabeledKey counts samples carrying the -1 label.
	UnlabeledKey = "data.unlabeled"

	// EmbeddingDimKey is the projector output dimension D.
	EmbeddingDimKey = "model.embedding_dim"
)

// Training progress and metrics.
const (
	// EpochKey records the current epoch number.
	EpochKey = "train.epoch"

	// IterationKey records the global step number.
	IterationKey = "train.iteration"

	// LossKey records the contrastive loss.
	LossKey = "metrics.loss"

	// AccuracyKey records a k-NN accuracy.
	AccuracyKey = "metrics.accuracy"

	// KNNKey records the k of a k-NN score.
	KNNKey = "knn.k"

	// KeyMomentumKey records the EMA coefficient m.
	KeyMomentumKey = "train.key_momentum"

	// TemperatureKey records the loss temperature.
	TemperatureKey = "train.temperature"

	// LearningRateKey records the optimizer learning rate.
	LearningRateKey = "hyperparams.learning_rate"

	// RandomSeedKey records the seed used for the run.
	RandomSeedKey = "config.random_seed"

	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"
)

// Queue state.
const (
	// QueueSizeKey is the number of filled queue slots.
	QueueSizeKey = "queue.size"

	// QueueCapacityKey is the fixed queue capacity N.
	QueueCapacityKey = "queue.capacity"
)

// Error context.
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// SuggestionKey provides a hint for resolving the issue.
	SuggestionKey = "error.suggestion"
)

// Standard attribute values.
const (
	OperationTrain      = "train"
	OperationStep       = "step"
	OperationEvaluate   = "evaluate"
	OperationCheckpoint = "checkpoint"
	OperationResume     = "resume"

	ErrorInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrorNumericalInstability = "NUMERICAL_INSTABILITY"
	ErrorCapacityViolation    = "CAPACITY_VIOLATION"
	ErrorDimensionMismatch    = "DIMENSION_MISMATCH"
	ErrorCheckpointNotFound   = "CHECKPOINT_NOT_FOUND"
)
