// Package dump writes per-layer activation files for offline comparison
// against hardware simulation runs. All three formats are line-oriented text
// with a leading shape header.
package dump

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
)

func writeLines(path string, shape []int, emit func(w *bufio.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("dump: close %s: %w", path, cerr)
		}
	}()

	w := bufio.NewWriter(f)
	w.WriteString("# shape:")
	for _, d := range shape {
		fmt.Fprintf(w, " %d", d)
	}
	w.WriteByte('\n')
	if err := emit(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("dump: write %s: %w", path, err)
	}
	return nil
}

// WriteFloat writes one decimal value per line.
func WriteFloat(path string, shape []int, data []float32) error {
	return writeLines(path, shape, func(w *bufio.Writer) error {
		for _, v := range data {
			w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
			w.WriteByte('\n')
		}
		return nil
	})
}

// WriteInt writes one value per line, rounded to the nearest integer. When
// padChannels is set, each pixel's channels are zero-padded to the next
// multiple of 4, the same word layout WriteHex produces.
func WriteInt(path string, shape []int, data []float32, padChannels bool) error {
	c, padded := channelPad(shape, padChannels)
	return writeLines(path, shape, func(w *bufio.Writer) error {
		if padded == c || c == 0 {
			for _, v := range data {
				w.WriteString(strconv.Itoa(int(math.Round(float64(v)))))
				w.WriteByte('\n')
			}
			return nil
		}
		for i := 0; i < len(data); i += c {
			for j := 0; j < c; j++ {
				w.WriteString(strconv.Itoa(int(math.Round(float64(data[i+j])))))
				w.WriteByte('\n')
			}
			for j := c; j < padded; j++ {
				w.WriteString("0\n")
			}
		}
		return nil
	})
}

// channelPad returns the trailing-dimension size and the padded size the
// simulator layout requires (next multiple of 4 when padChannels is set).
func channelPad(shape []int, padChannels bool) (c, padded int) {
	if len(shape) > 0 {
		c = shape[len(shape)-1]
	}
	padded = c
	if padChannels && c%4 != 0 {
		padded = (c/4 + 1) * 4
	}
	return c, padded
}

// WriteHex writes the IEEE-754 bit pattern of each value as 8 hex digits per
// line. When padChannels is set (and the shape is channel-last), each pixel's
// channels are zero-padded to the next multiple of 4, the word layout the
// simulator consumes.
func WriteHex(path string, shape []int, data []float32, padChannels bool) error {
	c, padded := channelPad(shape, padChannels)
	return writeLines(path, shape, func(w *bufio.Writer) error {
		if padded == c || c == 0 {
			for _, v := range data {
				fmt.Fprintf(w, "%08x\n", math.Float32bits(v))
			}
			return nil
		}
		for i := 0; i < len(data); i += c {
			for j := 0; j < c; j++ {
				fmt.Fprintf(w, "%08x\n", math.Float32bits(data[i+j]))
			}
			for j := c; j < padded; j++ {
				w.WriteString("00000000\n")
			}
		}
		return nil
	})
}
