package train

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantlab/dorefa/internal/logger"
	"github.com/quantlab/dorefa/internal/model"
	"github.com/quantlab/dorefa/internal/pipeline"
	"github.com/quantlab/dorefa/internal/tensor"
)

// Config wires a trainer together.
type Config struct {
	Net       *model.Net
	Train     *pipeline.Loader
	Val       *pipeline.Loader // nil disables validation
	Optimizer *Adam
	Schedule  Schedule
	Stats     *Stats

	Epochs        int
	StepsPerEpoch int // 0 means a full pass over the data
	StartEpoch    int
	OutDir        string   // checkpoint directory; empty disables saving
	Classes       []string // stored in checkpoints

	// LogEvery bounds the progress log rate. Zero means every 10 seconds.
	LogEvery time.Duration
}

// Trainer runs the epoch/step loop: fetch batch, forward, loss, backward,
// update, with rate-limited progress logging, end-of-epoch validation and
// checkpointing.
type Trainer struct {
	cfg     Config
	limiter *rate.Limiter
}

// New validates the config and returns a trainer.
func New(cfg Config) (*Trainer, error) {
	if cfg.Net == nil || cfg.Train == nil || cfg.Optimizer == nil {
		return nil, fmt.Errorf("train: net, train loader and optimizer are required")
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStats()
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10 * time.Second
	}
	return &Trainer{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.LogEvery), 1),
	}, nil
}

// Run trains until the configured epoch count or ctx cancellation. The last
// completed state is always checkpointed before returning.
func (t *Trainer) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	params := t.cfg.Net.Params()

	for epoch := t.cfg.StartEpoch; epoch < t.cfg.Epochs; epoch++ {
		lr := t.cfg.Schedule.At(epoch)
		t.cfg.Optimizer.LR = lr
		log.Info("starting epoch", "epoch", epoch, "learning_rate", lr)

		if err := t.runEpoch(ctx, epoch, lr, params); err != nil {
			return err
		}

		if t.cfg.Val != nil {
			cost, top1, top5 := t.validate(ctx, epoch)
			log.Info("validation",
				"epoch", epoch, "cost", cost,
				"val-top1-error", top1, "val-top5-error", top5)
			t.cfg.Stats.SetValidation(cost, top1, top5)
		}

		if err := t.checkpoint(epoch); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, lr float64, params []*model.Param) error {
	log := logger.FromContext(ctx)

	// A per-epoch context lets steps-per-epoch cut the pipeline off cleanly.
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := t.cfg.Train.Epoch(epochCtx, epoch)
	stepInEpoch := 0
	var dl tensor.Mat

	for batch := range batches {
		logits, loss := t.forwardLoss(&batch, &dl, true)
		n := batch.X.N
		top1 := float64(tensor.IncorrectTopK(logits, batch.Labels, 1)) / float64(n)
		top5 := float64(tensor.IncorrectTopK(logits, batch.Labels, 5)) / float64(n)

		dLogits := tensor.NewTensorFromData(logits.R, 1, 1, logits.C, dl.Data)
		t.cfg.Net.ZeroGrads()
		t.cfg.Net.Backward(&dLogits)
		t.cfg.Optimizer.Step(params)

		step := t.cfg.Optimizer.StepCount()
		t.cfg.Stats.ObserveStep(step, epoch, lr, float64(loss), top1, top5, n)
		if t.limiter.Allow() {
			snap := t.cfg.Stats.Snapshot()
			log.Info("train",
				"epoch", epoch, "step", step,
				"loss", snap.Loss,
				"train_error_top1", snap.TrainTop1,
				"train_error_top5", snap.TrainTop5,
				"images_per_sec", snap.ImagesPerSec)
		}

		stepInEpoch++
		if t.cfg.StepsPerEpoch > 0 && stepInEpoch >= t.cfg.StepsPerEpoch {
			cancel()
			for range batches {
			}
			break
		}
	}
	return ctx.Err()
}

// forwardLoss scales the batch input, runs the forward pass and computes the
// cross-entropy loss and its logit gradient. The returned matrix views the
// network's logits. Backward is only valid after train=true.
func (t *Trainer) forwardLoss(batch *pipeline.Batch, dl *tensor.Mat, train bool) (*tensor.Mat, float32) {
	tensor.Scale(batch.X.Data, 1.0/model.InputScale)

	out := t.cfg.Net.Forward(&batch.X, train, nil)
	logits := tensor.NewMatFromData(out.N, out.C, out.Data)
	tensor.EnsureMat(dl, logits.R, logits.C)
	loss := tensor.SoftmaxCrossEntropy(dl, &logits, batch.Labels)
	return &logits, loss
}

func (t *Trainer) validate(ctx context.Context, epoch int) (cost, top1, top5 float64) {
	log := logger.FromContext(ctx)

	var (
		dl      tensor.Mat
		totalN  int
		sumCost float64
		wrong1  int
		wrong5  int
	)
	for batch := range t.cfg.Val.Epoch(ctx, epoch) {
		if len(batch.Labels) == 0 || batch.Labels[0] < 0 {
			log.Warn("skipping unlabelled validation batch")
			continue
		}
		logits, loss := t.forwardLoss(&batch, &dl, false)
		n := batch.X.N
		sumCost += float64(loss) * float64(n)
		wrong1 += tensor.IncorrectTopK(logits, batch.Labels, 1)
		wrong5 += tensor.IncorrectTopK(logits, batch.Labels, 5)
		totalN += n
	}
	if totalN == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	return sumCost / float64(totalN),
		float64(wrong1) / float64(totalN),
		float64(wrong5) / float64(totalN)
}

func (t *Trainer) checkpoint(epoch int) error {
	if t.cfg.OutDir == "" {
		return nil
	}
	st := model.TrainState{
		Step:  t.cfg.Optimizer.StepCount(),
		Epoch: epoch + 1, // resume starts at the next epoch
		LR:    t.cfg.Optimizer.LR,
	}
	opt := t.cfg.Optimizer.Tensors()

	path := filepath.Join(t.cfg.OutDir, fmt.Sprintf("checkpoint-%03d.ncf", epoch))
	if err := model.Save(path, t.cfg.Net, opt, st, t.cfg.Classes); err != nil {
		return err
	}
	latest := filepath.Join(t.cfg.OutDir, "latest.ncf")
	return model.Save(latest, t.cfg.Net, opt, st, t.cfg.Classes)
}
