package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/quantlab/dorefa/internal/augment"
	"github.com/quantlab/dorefa/internal/dataset"
	"github.com/quantlab/dorefa/internal/dump"
	"github.com/quantlab/dorefa/internal/model"
	"github.com/quantlab/dorefa/internal/quant"
	"github.com/quantlab/dorefa/internal/tensor"
)

// interLayers is the capture order used for --dump, input first.
var interLayers = []string{
	"conv0", "bn0", "active0", "pool0",
	"conv1", "bn1", "active1", "pool1",
	"conv2", "conv3", "conv4", "pool4",
	"fc0", "fc0bn", "fc0active", "fc1", "fct",
}

func runCmd() *cli.Command {
	var (
		loadPath string
		bitsSpec string
		dumpDir  string
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Classify images with a trained checkpoint",
		ArgsUsage: "IMAGE [IMAGE...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "load",
				Usage:       "checkpoint to load (.ncf)",
				Destination: &loadPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "dorefa",
				Usage:       "expected bitwidths; must match the checkpoint when set",
				Destination: &bitsSpec,
			},
			&cli.StringFlag{
				Name:        "dump",
				Usage:       "directory to dump the input and per-layer activations to",
				Destination: &dumpDir,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			images := c.Args().Slice()
			if len(images) == 0 {
				return cli.Exit("error: at least one image is required", 1)
			}

			cfg, err := model.ReadConfig(loadPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if bitsSpec != "" {
				bits, err := quant.ParseBits(bitsSpec)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if bits != cfg.Bits {
					return cli.Exit(fmt.Sprintf("error: checkpoint was trained with --dorefa %s, got %s",
						cfg.Bits.String(), bits.String()), 1)
				}
			}

			net := model.New(cfg, 1)
			snap, err := model.Load(loadPath, net)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
			}

			if dumpDir != "" {
				if err := os.MkdirAll(dumpDir, 0o755); err != nil {
					return cli.Exit(fmt.Sprintf("error: create dump dir: %v", err), 1)
				}
			}

			pipe := runPipeline()
			for _, path := range images {
				if err := classify(net, pipe, path, snap.Classes, dumpDir); err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", path, err), 1)
				}
			}
			return nil
		},
	}
}

// runPipeline is the inference preprocessing: resize, centre crop, constant
// mean subtraction, then rounding to integers. The simulator consumes integer
// inputs, so the fractional values the resampler leaves behind are rounded
// away before dumping and inference.
func runPipeline() augment.List {
	return append(augment.EvalPipeline(nil), augment.Round{})
}

// writeInputDumps writes the network input in both simulator layouts, with
// channels padded to a multiple of four words.
func writeInputDumps(dir string, x *tensor.Tensor) error {
	shape := []int{x.N, x.H, x.W, x.C}
	if err := dump.WriteInt(filepath.Join(dir, "input.dat"), shape, x.Data, true); err != nil {
		return err
	}
	return dump.WriteHex(filepath.Join(dir, "input_sim.dat"), shape, x.Data, true)
}

func classify(net *model.Net, pipe augment.List, path string, classes []string, dumpDir string) error {
	img, err := dataset.Decode(path)
	if err != nil {
		return err
	}
	img = pipe.Augment(img, nil)

	x := tensor.NewTensorFromData(1, img.H, img.W, img.C, img.Pix)

	var capture map[string]tensor.Tensor
	if dumpDir != "" {
		if err := writeInputDumps(dumpDir, &x); err != nil {
			return err
		}
		capture = make(map[string]tensor.Tensor)
	}

	tensor.Scale(x.Data, 1.0/model.InputScale)
	out := net.Forward(&x, false, capture)

	if dumpDir != "" {
		for _, name := range interLayers {
			t, ok := capture[name]
			if !ok {
				continue
			}
			file := filepath.Join(dumpDir, name+".dat")
			if err := dump.WriteFloat(file, []int{t.N, t.H, t.W, t.C}, t.Data); err != nil {
				return err
			}
		}
	}

	probs := make([]float32, len(out.Data))
	copy(probs, out.Data)
	tensor.Softmax(probs)

	fmt.Printf("%s:\n", path)
	for rank, idx := range tensor.TopK(probs, 10) {
		name := fmt.Sprintf("class %d", idx)
		if idx < len(classes) {
			name = classes[idx]
		}
		fmt.Printf("  %2d. %-60s %.4f\n", rank+1, name, probs[idx])
	}
	return nil
}
