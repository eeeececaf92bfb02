package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/quantlab/dorefa/internal/augment"
	"github.com/quantlab/dorefa/internal/dataset"
	"github.com/quantlab/dorefa/internal/logger"
	"github.com/quantlab/dorefa/internal/model"
	"github.com/quantlab/dorefa/internal/monitor"
	"github.com/quantlab/dorefa/internal/pipeline"
	"github.com/quantlab/dorefa/internal/quant"
	"github.com/quantlab/dorefa/internal/tensor"
	"github.com/quantlab/dorefa/internal/train"
)

func trainCmd() *cli.Command {
	var (
		dataDir       string
		loadPath      string
		bitsSpec      string
		batch         int64
		workers       int64
		epochs        int64
		stepsPerEpoch int64
		baseLR        float64
		outDir        string
		statusAddr    string
		seed          int64
		cpuProfile    string
		memProfile    string
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a quantized classifier on an ImageNet-style directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "dataset root (train/, val/, synset_words.txt)",
				Destination: &dataDir,
			},
			&cli.StringFlag{
				Name:        "load",
				Usage:       "checkpoint to resume from (.ncf)",
				Destination: &loadPath,
			},
			&cli.StringFlag{
				Name:        "dorefa",
				Usage:       "weight,activation,gradient bitwidths (e.g. 1,2,6)",
				Value:       "1,2,4",
				Destination: &bitsSpec,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "batch size",
				Value:       32,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "image loading workers (0 = all CPUs)",
				Destination: &workers,
			},
			&cli.Int64Flag{
				Name:        "epochs",
				Usage:       "epochs to train",
				Value:       100,
				Destination: &epochs,
			},
			&cli.Int64Flag{
				Name:        "steps-per-epoch",
				Usage:       "steps per epoch (0 = full pass over the data)",
				Value:       10000,
				Destination: &stepsPerEpoch,
			},
			&cli.FloatFlag{
				Name:        "lr",
				Usage:       "override the base learning rate",
				Destination: &baseLR,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "directory for run logs and checkpoints",
				Value:       "train_log",
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "status-addr",
				Usage:       "address for the HTTP status server (empty = disabled)",
				Destination: &statusAddr,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &seed,
			},
			// Profiling flags
			&cli.StringFlag{
				Name:        "cpuprofile",
				Usage:       "write cpu profile to file",
				Destination: &cpuProfile,
			},
			&cli.StringFlag{
				Name:        "memprofile",
				Usage:       "write memory profile to file",
				Destination: &memProfile,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyTrainConfig(c, fileCfg, &dataDir, &batch, &workers, &bitsSpec, &statusAddr)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			if dataDir == "" {
				return cli.Exit("error: --data is required (or set data_dir in the config file)", 1)
			}
			bits, err := quant.ParseBits(bitsSpec)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if workers <= 0 {
				workers = int64(runtime.NumCPU())
			}

			log := newLogger(fileCfg)
			ctx = logger.WithContext(ctx, log)
			log.Info("starting run", "dorefa", bits.String(), "cpu", tensor.CPUSummary())

			meta, err := dataset.LoadMeta(dataDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			trainSamples, err := dataset.ListTrain(dataDir, meta)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("dataset", "classes", len(meta.WNIDs), "train_images", len(trainSamples))

			var valLoader *pipeline.Loader
			if valSamples, err := dataset.ListVal(dataDir, meta); err != nil {
				log.Warn("validation disabled", "reason", err)
			} else {
				valLoader = pipeline.New(pipeline.Config{
					Samples:   valSamples,
					Augment:   augment.EvalPipeline(dataset.LoadMean(dataDir)),
					BatchSize: int(batch),
					Workers:   int(workers),
					Seed:      seed,
					Remainder: true,
				})
			}

			trainLoader := pipeline.New(pipeline.Config{
				Samples:   trainSamples,
				Augment:   augment.TrainPipeline(),
				BatchSize: int(batch),
				Workers:   int(workers),
				Seed:      seed,
				Shuffle:   true,
			})

			net := model.New(model.Config{Bits: bits, Classes: len(meta.WNIDs)}, seed)
			opt := train.NewAdam(0)
			opt.WeightDecay = 5e-6
			startEpoch := 0
			if loadPath != "" {
				snap, err := model.Load(loadPath, net)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
				}
				if snap.Config.Bits != bits {
					return cli.Exit(fmt.Sprintf("error: checkpoint was trained with --dorefa %s, got %s",
						snap.Config.Bits.String(), bits.String()), 1)
				}
				opt.Restore(snap.Opt, snap.State.Step)
				startEpoch = snap.State.Epoch
				log.Info("resumed", "checkpoint", loadPath, "epoch", startEpoch, "step", snap.State.Step)
			}

			sched := train.DefaultSchedule()
			if c.IsSet("lr") {
				sched.Base = baseLR
			}

			runDir := filepath.Join(outDir, fmt.Sprintf("%s-%s-%s",
				time.Now().Format("20060102-150405"), bits.String(), uuid.NewString()[:8]))
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: create run dir: %v", err), 1)
			}
			log.Info("run directory", "path", runDir)

			stats := train.NewStats()
			if statusAddr != "" {
				go serveStatus(ctx, statusAddr, stats)
			}

			trainer, err := train.New(train.Config{
				Net:           net,
				Train:         trainLoader,
				Val:           valLoader,
				Optimizer:     opt,
				Schedule:      sched,
				Stats:         stats,
				Epochs:        int(epochs),
				StepsPerEpoch: int(stepsPerEpoch),
				StartEpoch:    startEpoch,
				OutDir:        runDir,
				Classes:       meta.Words,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return trainer.Run(ctx)
		},
	}
}

func serveStatus(ctx context.Context, addr string, stats *train.Stats) {
	log := logger.FromContext(ctx)

	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	monitor.NewServer(stats).Register(e)
	log.Info("starting status server", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	if err := sc.Start(ctx, e); err != nil {
		log.Error("status server stopped", "error", err)
	}
}
