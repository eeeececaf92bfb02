package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/quantlab/dorefa/pkg/ncf"
)

func inspectCmd() *cli.Command {
	var (
		modelPath    string
		showAll      bool
		showSections bool
		showTensors  bool
		showState    bool
		showClasses  bool
		tensorLimit  int64
		tensorFilter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect the contents of an .ncf checkpoint",
		ArgsUsage: "[model.ncf]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .ncf file",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "all", Usage: "show everything", Destination: &showAll},
			&cli.BoolFlag{Name: "sections", Usage: "show section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "state", Usage: "show training state", Destination: &showState},
			&cli.BoolFlag{Name: "classes", Usage: "list class names", Destination: &showClasses},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if modelPath == "" {
				modelPath = c.Args().First()
			}
			if modelPath == "" {
				return cli.Exit("error: a model path is required", 1)
			}

			if showAll {
				showSections = true
				showTensors = true
				showState = true
				showClasses = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
			}

			stat, err := os.Stat(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", modelPath, err), 1)
			}

			f, err := ncf.Open(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open ncf: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("NCF Inspect: %s\n", modelPath)
			fmt.Printf("File: %s (%s)\n", filepath.Base(modelPath), formatBytes(uint64(stat.Size())))
			printHeader(f.Header)

			printModelConfig(f.SectionBytes(ncf.SectionModelConfig))
			printTensorSummary(f.SectionBytes(ncf.SectionTensorIndex))

			if showSections {
				printSectionDirectory(f.Sections)
			}
			if showTensors {
				printTensorIndex(f.SectionBytes(ncf.SectionTensorIndex), tensorFilter, int(tensorLimit))
			}
			if showState {
				printTrainState(f.SectionBytes(ncf.SectionTrainState))
			}
			if showClasses {
				printClassNames(f.SectionBytes(ncf.SectionClassNames))
			}
			return nil
		},
	}
}

func printHeader(h *ncf.Header) {
	if h == nil {
		return
	}
	flags := []string{}
	if h.Flags&ncf.FlagTensorDataAligned64 != 0 {
		flags = append(flags, "tensor_data_aligned64")
	}
	flagStr := "none"
	if len(flags) > 0 {
		flagStr = strings.Join(flags, ", ")
	}
	fmt.Printf("NCF Header: v%d.%d sections=%d header=%dB flags=%s\n",
		h.Major, h.Minor, h.SectionCount, h.HeaderSize, flagStr)
}

func printModelConfig(raw []byte) {
	section("Model Config")
	if len(raw) == 0 {
		fmt.Println("(no model config section)")
		return
	}
	var cfg struct {
		Arch    string `json:"arch"`
		DoReFa  string `json:"dorefa"`
		Classes int    `json:"classes"`
		Input   int    `json:"input"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		fmt.Printf("(model config parse error: %v)\n", err)
		return
	}
	row("arch", cfg.Arch)
	row("dorefa", cfg.DoReFa)
	rowInt("classes", cfg.Classes)
	rowInt("input", cfg.Input)
}

func printTensorSummary(indexBytes []byte) {
	section("Tensor Summary")
	if len(indexBytes) == 0 {
		fmt.Println("(no tensor index section)")
		return
	}
	idx, err := ncf.ParseTensorIndexSection(indexBytes)
	if err != nil {
		fmt.Printf("(tensor index parse error: %v)\n", err)
		return
	}
	count := idx.Count()
	rowInt("tensors", count)

	var total uint64
	var elems uint64
	for i := range count {
		entry, err := idx.Entry(i)
		if err != nil {
			continue
		}
		total += entry.DataSize
		if es := entry.DType.ElemSize(); es > 0 {
			elems += entry.DataSize / uint64(es)
		}
	}
	row("elements", fmt.Sprintf("%d", elems))
	row("data_size", formatBytes(total))
}

func printSectionDirectory(sections []ncf.Section) {
	section("Sections")
	for _, s := range sections {
		name := sectionTypeName(ncf.SectionType(s.Type))
		fmt.Printf("%-16s v%-2d off=%-10d size=%s\n", name, s.Version, s.Offset, formatBytes(s.Size))
	}
}

func printTensorIndex(indexBytes []byte, filter string, limit int) {
	section("Tensor Index")
	if len(indexBytes) == 0 {
		fmt.Println("(no tensor index section)")
		return
	}
	idx, err := ncf.ParseTensorIndexSection(indexBytes)
	if err != nil {
		fmt.Printf("(tensor index parse error: %v)\n", err)
		return
	}

	count := idx.Count()
	printed := 0
	for i := range count {
		name, err := idx.Name(i)
		if err != nil {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && printed >= limit {
			fmt.Printf("... (%d more, use --tensors-limit 0)\n", count-i)
			break
		}
		entry, err := idx.Entry(i)
		if err != nil {
			continue
		}
		shape, _ := idx.Shape(i)
		fmt.Printf("%-28s %-8s %-20s off=%-10d %s\n",
			name, dtypeName(entry.DType), formatShape(shape), entry.DataOff, formatBytes(entry.DataSize))
		printed++
	}
}

func printTrainState(raw []byte) {
	section("Train State")
	if len(raw) == 0 {
		fmt.Println("(no train state section)")
		return
	}
	var st struct {
		Step  int64   `json:"step"`
		Epoch int     `json:"epoch"`
		LR    float64 `json:"lr"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		fmt.Printf("(train state parse error: %v)\n", err)
		return
	}
	row("step", fmt.Sprintf("%d", st.Step))
	rowInt("epoch", st.Epoch)
	rowFloat("learning_rate", st.LR)
}

func printClassNames(raw []byte) {
	section("Class Names")
	if len(raw) == 0 {
		fmt.Println("(no class names section)")
		return
	}
	var classes []string
	if err := json.Unmarshal(raw, &classes); err != nil {
		fmt.Printf("(class names parse error: %v)\n", err)
		return
	}
	rowInt("count", len(classes))
	for i, name := range classes {
		fmt.Printf("%6d  %s\n", i, name)
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-16s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func rowFloat(label string, v float64) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%g", v))
}

func formatShape(shape []uint64) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func dtypeName(d ncf.TensorDType) string {
	switch d {
	case ncf.DTypeF32:
		return "f32"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func sectionTypeName(t ncf.SectionType) string {
	switch t {
	case ncf.SectionModelConfig:
		return "ModelConfig"
	case ncf.SectionTensorIndex:
		return "TensorIndex"
	case ncf.SectionTensorData:
		return "TensorData"
	case ncf.SectionTrainState:
		return "TrainState"
	case ncf.SectionClassNames:
		return "ClassNames"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint32(t))
	}
}
