package train

import (
	"sync"
	"time"
)

// emaDecay matches the moving summaries of the training metrics.
const emaDecay = 0.95

// Snapshot is a point-in-time view of training progress, serialised as the
// monitor's /stats payload.
type Snapshot struct {
	Step         int64   `json:"step"`
	Epoch        int     `json:"epoch"`
	LR           float64 `json:"learning_rate"`
	Loss         float64 `json:"loss"`
	TrainTop1    float64 `json:"train_error_top1"`
	TrainTop5    float64 `json:"train_error_top5"`
	ImagesPerSec float64 `json:"images_per_sec"`

	ValCost float64 `json:"val_cost"`
	ValTop1 float64 `json:"val_top1_error"`
	ValTop5 float64 `json:"val_top5_error"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Stats accumulates exponentially smoothed training metrics. It is safe for
// concurrent use: the trainer writes, the monitor reads.
type Stats struct {
	mu       sync.Mutex
	snap     Snapshot
	seeded   bool
	lastTime time.Time
}

// NewStats returns an empty accumulator.
func NewStats() *Stats { return &Stats{} }

func ema(old, v float64) float64 { return emaDecay*old + (1-emaDecay)*v }

// ObserveStep folds one training step into the moving averages. top1 and top5
// are error rates in [0,1] for the batch; n is the batch size.
func (s *Stats) ObserveStep(step int64, epoch int, lr, loss, top1, top5 float64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.seeded {
		s.snap.Loss = loss
		s.snap.TrainTop1 = top1
		s.snap.TrainTop5 = top5
		s.seeded = true
	} else {
		s.snap.Loss = ema(s.snap.Loss, loss)
		s.snap.TrainTop1 = ema(s.snap.TrainTop1, top1)
		s.snap.TrainTop5 = ema(s.snap.TrainTop5, top5)
		if dt := now.Sub(s.lastTime).Seconds(); dt > 0 {
			s.snap.ImagesPerSec = ema(s.snap.ImagesPerSec, float64(n)/dt)
		}
	}
	s.lastTime = now
	s.snap.Step = step
	s.snap.Epoch = epoch
	s.snap.LR = lr
	s.snap.UpdatedAt = now
}

// SetValidation records end-of-epoch validation results.
func (s *Stats) SetValidation(cost, top1, top5 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ValCost = cost
	s.snap.ValTop1 = top1
	s.snap.ValTop5 = top5
	s.snap.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current metrics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
