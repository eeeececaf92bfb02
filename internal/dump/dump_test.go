package dump

import (
	"os"
	"path/filepath"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestWriteFloat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	if err := WriteFloat(path, []int{1, 2, 2, 1}, []float32{0.5, -1, 128, 0.25}); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 1 2 2 1\n0.5\n-1\n128\n0.25\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteInt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	if err := WriteInt(path, []int{4}, []float32{0.4, 0.6, -1.5, 127.9}, false); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 4\n0\n1\n-2\n128\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteIntPadded(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	// Two pixels with three channels each pad to four words per pixel,
	// matching the hex layout.
	data := []float32{1.2, 2.6, -3.4, 4, 5, 6}
	if err := WriteInt(path, []int{1, 1, 2, 3}, data, true); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 1 1 2 3\n" +
		"1\n3\n-3\n0\n" +
		"4\n5\n6\n0\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteHex(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	if err := WriteHex(path, []int{1, 1, 1, 2}, []float32{1, -2}, false); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 1 1 1 2\n3f800000\nc0000000\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteHexPadded(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	// Two pixels with three channels each pad to four words per pixel.
	data := []float32{1, 1, 1, 2, 2, 2}
	if err := WriteHex(path, []int{1, 1, 2, 3}, data, true); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 1 1 2 3\n" +
		"3f800000\n3f800000\n3f800000\n00000000\n" +
		"40000000\n40000000\n40000000\n00000000\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteHexAlreadyAligned(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.dat")
	if err := WriteHex(path, []int{1, 4}, []float32{0, 0, 0, 0}, true); err != nil {
		t.Fatal(err)
	}
	want := "# shape: 1 4\n00000000\n00000000\n00000000\n00000000\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
