// Package dataset loads ImageNet-style directory datasets:
//
//	root/
//	  synset_words.txt      # "<wnid> <description>" per line, label order
//	  train/<wnid>/*.JPEG
//	  val/*.JPEG
//	  val_labels.txt        # one label per line, sorted val filename order
//	  mean.bin              # optional per-pixel float32 mean, 224*224*3 LE
package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/quantlab/dorefa/internal/augment"
)

// MeanSize is the element count of a per-pixel mean for 224x224 RGB input.
const MeanSize = 224 * 224 * 3

// Sample is one labelled image file. Label is -1 when unknown.
type Sample struct {
	Path  string
	Label int
}

// Meta maps between labels, WordNet ids and human-readable class names.
type Meta struct {
	WNIDs []string
	Words []string

	labelOf map[string]int
}

// LoadMeta reads synset_words.txt from root. Line order defines the labels.
func LoadMeta(root string) (*Meta, error) {
	path := filepath.Join(root, "synset_words.txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	m := &Meta{labelOf: make(map[string]int)}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		wnid, word, _ := strings.Cut(line, " ")
		m.labelOf[wnid] = len(m.WNIDs)
		m.WNIDs = append(m.WNIDs, wnid)
		m.Words = append(m.Words, word)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	if len(m.WNIDs) == 0 {
		return nil, fmt.Errorf("dataset: %s is empty", path)
	}
	return m, nil
}

// Label returns the label for a WordNet id, or -1 when unknown.
func (m *Meta) Label(wnid string) int {
	if l, ok := m.labelOf[wnid]; ok {
		return l
	}
	return -1
}

// Word returns the human-readable name for a label.
func (m *Meta) Word(label int) string {
	if label < 0 || label >= len(m.Words) {
		return "?"
	}
	return m.Words[label]
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpeg", ".jpg", ".png":
		return true
	}
	return false
}

// ListTrain walks train/<wnid>/ and returns the samples in deterministic
// order. Empty class directories are allowed; unknown WNIDs are an error.
func ListTrain(root string, meta *Meta) ([]Sample, error) {
	trainDir := filepath.Join(root, "train")
	entries, err := os.ReadDir(trainDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", trainDir, err)
	}

	var samples []Sample
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		label := meta.Label(e.Name())
		if label < 0 {
			return nil, fmt.Errorf("dataset: train dir %q is not in synset_words.txt", e.Name())
		}
		classDir := filepath.Join(trainDir, e.Name())
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("dataset: read %s: %w", classDir, err)
		}
		for _, f := range files {
			if f.IsDir() || !isImageFile(f.Name()) {
				continue
			}
			samples = append(samples, Sample{Path: filepath.Join(classDir, f.Name()), Label: label})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset: no training images under %s", trainDir)
	}
	return samples, nil
}

// ListVal returns the validation samples in sorted filename order, labelled
// from val_labels.txt when present (-1 otherwise).
func ListVal(root string, meta *Meta) ([]Sample, error) {
	valDir := filepath.Join(root, "val")
	entries, err := os.ReadDir(valDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", valDir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("dataset: no validation images under %s", valDir)
	}

	labels, err := readValLabels(filepath.Join(root, "val_labels.txt"), meta, len(names))
	if err != nil {
		return nil, err
	}

	samples := make([]Sample, len(names))
	for i, name := range names {
		label := -1
		if labels != nil {
			label = labels[i]
		}
		samples[i] = Sample{Path: filepath.Join(valDir, name), Label: label}
	}
	return samples, nil
}

func readValLabels(path string, meta *Meta, want int) ([]int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	var labels []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s line %d: %w", path, len(labels)+1, err)
		}
		if v < 0 || v >= len(meta.WNIDs) {
			return nil, fmt.Errorf("dataset: %s line %d: label %d out of range", path, len(labels)+1, v)
		}
		labels = append(labels, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	if len(labels) != want {
		return nil, fmt.Errorf("dataset: %s has %d labels for %d images", path, len(labels), want)
	}
	return labels, nil
}

// LoadMean reads the optional per-pixel mean (mean.bin, little-endian
// float32). It returns nil when the file is absent or malformed, in which
// case callers fall back to the constant 128.
func LoadMean(root string) []float32 {
	raw, err := os.ReadFile(filepath.Join(root, "mean.bin"))
	if err != nil || len(raw) != MeanSize*4 {
		return nil
	}
	mean := make([]float32, MeanSize)
	for i := range mean {
		mean[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return mean
}

// Decode reads and decodes an image file into a float32 HWC image with
// values in [0,255].
func Decode(path string) (augment.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return augment.Image{}, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return augment.Image{}, fmt.Errorf("dataset: decode %s: %w", path, err)
	}

	b := src.Bounds()
	out := augment.NewImage(b.Dy(), b.Dx(), 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			out.Pix[i] = float32(r >> 8)
			out.Pix[i+1] = float32(g >> 8)
			out.Pix[i+2] = float32(bl >> 8)
			i += 3
		}
	}
	return out, nil
}

// Shuffle permutes samples in place.
func Shuffle(samples []Sample, rng *rand.Rand) {
	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})
}
