package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/quantlab/dorefa/internal/quant"
	"github.com/quantlab/dorefa/pkg/ncf"
)

// optPrefix marks tensors that belong to the optimizer, not the network.
const optPrefix = "opt/"

// TrainState is the resumable training position stored in a checkpoint.
type TrainState struct {
	Step  int64   `json:"step"`
	Epoch int     `json:"epoch"`
	LR    float64 `json:"lr"`
}

// Snapshot is everything read back from a checkpoint besides the network
// tensors themselves.
type Snapshot struct {
	Config  Config
	State   TrainState
	Opt     []NamedTensor
	Classes []string
}

type configJSON struct {
	Arch    string `json:"arch"`
	DoReFa  string `json:"dorefa"`
	Classes int    `json:"classes"`
	Input   int    `json:"input"`
}

// Save writes the network, optional optimizer tensors, training state and
// class names to path as a single NCF container.
func Save(path string, net *Net, opt []NamedTensor, st TrainState, classes []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("checkpoint: close %s: %w", path, cerr)
		}
	}()

	w, err := ncf.NewWriter(f)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	cfgBytes, err := json.Marshal(configJSON{
		Arch:    "dorefa-alexnet",
		DoReFa:  net.cfg.Bits.String(),
		Classes: net.cfg.Classes,
		Input:   InputSize,
	})
	if err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}
	if err := w.WriteSection(ncf.SectionModelConfig, 1, cfgBytes); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	all := net.Tensors()
	for _, t := range opt {
		all = append(all, NamedTensor{Name: optPrefix + t.Name, Shape: t.Shape, Data: t.Data})
	}

	records, err := writeTensorData(w, all)
	if err != nil {
		return err
	}
	index, err := ncf.EncodeTensorIndexSection(records)
	if err != nil {
		return fmt.Errorf("checkpoint: encode tensor index: %w", err)
	}
	if err := w.WriteSection(ncf.SectionTensorIndex, 1, index); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	stBytes, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint: encode train state: %w", err)
	}
	if err := w.WriteSection(ncf.SectionTrainState, 1, stBytes); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	if len(classes) > 0 {
		clBytes, err := json.Marshal(classes)
		if err != nil {
			return fmt.Errorf("checkpoint: encode class names: %w", err)
		}
		if err := w.WriteSection(ncf.SectionClassNames, 1, clBytes); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}

	if err := w.AddFlags(ncf.FlagTensorDataAligned64); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := w.Finalise(); err != nil {
		return fmt.Errorf("checkpoint: finalise %s: %w", path, err)
	}
	return nil
}

func writeTensorData(w *ncf.Writer, all []NamedTensor) ([]ncf.TensorIndexRecord, error) {
	sw, err := w.BeginSection(ncf.SectionTensorData, 1)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	records := make([]ncf.TensorIndexRecord, 0, len(all))
	var buf []byte
	for _, t := range all {
		if err := sw.Align(64); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		off, err := sw.CurrentAbsOffset()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}

		need := len(t.Data) * 4
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := sw.Write(buf); err != nil {
			return nil, fmt.Errorf("checkpoint: write %s: %w", t.Name, err)
		}

		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}
		records = append(records, ncf.TensorIndexRecord{
			Name:     t.Name,
			DType:    ncf.DTypeF32,
			Shape:    shape,
			DataOff:  off,
			DataSize: uint64(need),
		})
	}
	if err := sw.End(); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return records, nil
}

// ReadConfig reads just the model configuration from a checkpoint, so callers
// can build a matching network before loading the tensors.
func ReadConfig(path string) (Config, error) {
	f, err := ncf.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(f *ncf.File) (Config, error) {
	raw := f.SectionBytes(ncf.SectionModelConfig)
	if raw == nil {
		return Config{}, fmt.Errorf("checkpoint: %w: missing model config section", ncf.ErrCorruptFile)
	}
	var cj configJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return Config{}, fmt.Errorf("checkpoint: decode config: %w", err)
	}
	bits, err := quant.ParseBits(cj.DoReFa)
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: %w", err)
	}
	return Config{Bits: bits, Classes: cj.Classes}, nil
}

// Load reads a checkpoint into net. Every network tensor must be present with
// a matching element count. Optimizer tensors, training state and class names
// come back in the snapshot.
func Load(path string, net *Net) (*Snapshot, error) {
	f, err := ncf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	snap := &Snapshot{}
	if snap.Config, err = readConfig(f); err != nil {
		return nil, err
	}

	idxBytes := f.SectionBytes(ncf.SectionTensorIndex)
	if idxBytes == nil {
		return nil, fmt.Errorf("checkpoint: %w: missing tensor index", ncf.ErrCorruptFile)
	}
	ti, err := ncf.ParseTensorIndexSection(idxBytes)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	want := make(map[string][]float32)
	for _, t := range net.Tensors() {
		want[t.Name] = t.Data
	}

	loaded := make(map[string]bool)
	for i := 0; i < ti.Count(); i++ {
		name, err := ti.Name(i)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		raw, err := ti.TensorData(f, i)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %s: %w", name, err)
		}
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("checkpoint: tensor %s: %w", name, ncf.ErrCorruptFile)
		}
		data := make([]float32, len(raw)/4)
		for j := range data {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}

		if strings.HasPrefix(name, optPrefix) {
			shape, err := ti.Shape(i)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: %w", err)
			}
			dims := make([]int, len(shape))
			for j, d := range shape {
				dims[j] = int(d)
			}
			snap.Opt = append(snap.Opt, NamedTensor{
				// name is a zero-copy view into the mmap; clone it so it
				// survives the deferred f.Close.
				Name:  strings.Clone(strings.TrimPrefix(name, optPrefix)),
				Shape: dims,
				Data:  data,
			})
			continue
		}
		dst, ok := want[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown tensor %q", name)
		}
		if len(dst) != len(data) {
			return nil, fmt.Errorf("checkpoint: tensor %q has %d elements, want %d", name, len(data), len(dst))
		}
		copy(dst, data)
		loaded[name] = true
	}
	for _, t := range net.Tensors() {
		if !loaded[t.Name] {
			return nil, fmt.Errorf("checkpoint: tensor %q missing from %s", t.Name, path)
		}
	}

	if raw := f.SectionBytes(ncf.SectionTrainState); raw != nil {
		if err := json.Unmarshal(raw, &snap.State); err != nil {
			return nil, fmt.Errorf("checkpoint: decode train state: %w", err)
		}
	}
	if raw := f.SectionBytes(ncf.SectionClassNames); raw != nil {
		if err := json.Unmarshal(raw, &snap.Classes); err != nil {
			return nil, fmt.Errorf("checkpoint: decode class names: %w", err)
		}
	}
	return snap, nil
}
