// Package pipeline feeds batches of decoded, augmented images to the trainer.
// A pool of workers decodes samples concurrently and a collector assembles
// fixed-size batches into a buffered channel.
package pipeline

import (
	"context"
	"math/rand"
	"sync"

	"github.com/quantlab/dorefa/internal/augment"
	"github.com/quantlab/dorefa/internal/dataset"
	"github.com/quantlab/dorefa/internal/logger"
	"github.com/quantlab/dorefa/internal/tensor"
)

// Batch is one training or validation batch. X is N x 224 x 224 x 3 with mean
// already subtracted but no further scaling.
type Batch struct {
	X      tensor.Tensor
	Labels []int
}

// Config describes a loader.
type Config struct {
	Samples   []dataset.Sample
	Augment   augment.List
	BatchSize int
	Workers   int
	Depth     int // batch channel buffer
	Seed      int64
	Shuffle   bool
	// Remainder controls whether a final short batch is emitted (validation)
	// or dropped (training).
	Remainder bool
	ImageSize int // defaults to 224
}

// Loader produces one channel of batches per epoch.
type Loader struct {
	cfg Config
}

// New validates the config and returns a loader.
func New(cfg Config) *Loader {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 2
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = 224
	}
	return &Loader{cfg: cfg}
}

// Len returns the number of batches an epoch yields.
func (l *Loader) Len() int {
	full := len(l.cfg.Samples) / l.cfg.BatchSize
	if l.cfg.Remainder && len(l.cfg.Samples)%l.cfg.BatchSize != 0 {
		return full + 1
	}
	return full
}

type loaded struct {
	img   augment.Image
	label int
}

// Epoch starts the workers for one pass over the samples and returns the
// batch channel. The channel closes when the epoch is exhausted or ctx is
// cancelled; all goroutines exit either way.
func (l *Loader) Epoch(ctx context.Context, epoch int) <-chan Batch {
	log := logger.FromContext(ctx)
	cfg := l.cfg

	order := make([]dataset.Sample, len(cfg.Samples))
	copy(order, cfg.Samples)
	if cfg.Shuffle {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(epoch)))
		dataset.Shuffle(order, rng)
	}

	work := make(chan dataset.Sample)
	results := make(chan loaded, cfg.Workers)
	out := make(chan Batch, cfg.Depth)

	go func() {
		defer close(work)
		for _, s := range order {
			select {
			case work <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		// Each worker owns an rng so augmentation stays race-free.
		rng := rand.New(rand.NewSource(cfg.Seed + int64(epoch)*1000 + int64(i)))
		go func() {
			defer wg.Done()
			for s := range work {
				img, err := dataset.Decode(s.Path)
				if err != nil {
					log.Warn("skipping unreadable image", "path", s.Path, "error", err)
					continue
				}
				img = cfg.Augment.Augment(img, rng)
				select {
				case results <- loaded{img: img, label: s.Label}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(out)
		size := cfg.ImageSize
		perImage := size * size * 3

		batch := Batch{
			X:      tensor.NewTensor(cfg.BatchSize, size, size, 3),
			Labels: make([]int, 0, cfg.BatchSize),
		}
		n := 0
		flush := func() bool {
			batch.X.N = n
			batch.X.Data = batch.X.Data[:n*perImage]
			select {
			case out <- batch:
			case <-ctx.Done():
				return false
			}
			batch = Batch{
				X:      tensor.NewTensor(cfg.BatchSize, size, size, 3),
				Labels: make([]int, 0, cfg.BatchSize),
			}
			n = 0
			return true
		}

		for r := range results {
			if len(r.img.Pix) != perImage {
				log.Warn("dropping image with unexpected shape",
					"h", r.img.H, "w", r.img.W, "c", r.img.C)
				continue
			}
			copy(batch.X.Data[n*perImage:(n+1)*perImage], r.img.Pix)
			batch.Labels = append(batch.Labels, r.label)
			n++
			if n == cfg.BatchSize {
				if !flush() {
					return
				}
			}
		}
		if n > 0 && cfg.Remainder {
			flush()
		}
	}()

	return out
}
