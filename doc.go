// Package supmoco is the root of a supervised momentum contrastive (SupMoCo)
// pretraining toolkit for 3D volumes, written in Go on top of gonum.
//
// An encoder (backbone plus MLP projection head) is trained with a
// multi-positive InfoNCE loss. Keys come from a momentum copy of the encoder
// and are kept in a fixed-capacity FIFO queue together with their labels, so
// every anchor sees its own key, same-class keys in the batch and same-class
// keys in the queue as positives. Progress is monitored with a weighted
// cosine k-NN classifier on the embeddings.
//
// # Quick Start
//
//	shape, _ := tensor.NewShape(1, 8, 8, 8)
//	ds, _ := data.Synthetic(data.SyntheticConfig{Shape: shape, NumSamples: 200, NumClasses: 2, Noise: 0.3})
//	train, test, _ := ds.Split(0.2, rand.New(rand.NewSource(0)))
//
//	pairs, _ := data.NewPairLoader(train, 16, data.WithAugment(data.GaussianNoise(0.05), data.GaussianNoise(0.05)))
//	memory, _ := data.NewBatchLoader(train, 16)
//	query, _ := data.NewBatchLoader(test, 16)
//
//	enc, _ := nn.BuildEncoder(nn.BackboneMLP, shape, 32, nn.WithHiddenDims(128, 64))
//	opt, _ := optim.New("sgd", 0.03, optim.WithMomentum(0.9))
//	store, _ := checkpoint.NewFileStore("checkpoints")
//
//	cfg := supmoco.DefaultConfig()
//	cfg.RunID = "example"
//	trainer, _ := supmoco.NewTrainer(cfg, enc, opt, store, sink.NewHistorySink())
//	if err := trainer.Run(ctx, pairs, memory, query); err != nil {
//	    log.Fatal(err)
//	}
//
// # Packages
//
//   - supmoco: memory queue, momentum encoder, loss, alpha schedule and the trainer
//   - nn: layers with manual backpropagation and the backbone registry
//   - optim: SGD and Adam with serializable state
//   - data: datasets, augmentations and prefetching pair loaders
//   - neighbors: k-NN evaluation of embeddings
//   - metrics: classification metrics (accuracy, AUC, sensitivity, specificity)
//   - preprocessing: intensity normalization
//   - checkpoint: file, Badger and GCS checkpoint stores
//   - sink: log, Prometheus, InfluxDB and plot outputs for training values
//   - config: YAML/JSON/env configuration with validation
//   - core/model, core/tensor, core/parallel: persistence, shapes and parallel helpers
//   - pkg/errors, pkg/log: error types, warnings and structured logging
//
// The cmd/supmoco binary wires all of the above for synthetic cohorts:
//
//	supmoco train --config run.yaml
//	supmoco resume --config run.yaml --run-id <id>
//	supmoco eval --config run.yaml --run-id <id>
package supmoco
