package tensor

import (
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// kTile returns the K-dimension tile for the gemm inner loop. Wider vector
// units tolerate a larger tile before the packed B panel falls out of L1.
func kTile() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 512
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 256
	default:
		return 128
	}
}

// CPUSummary describes the detected CPU for startup logging.
func CPUSummary() string {
	var feats []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX512F, "avx512f"},
		{cpuid.AVX2, "avx2"},
		{cpuid.AVX, "avx"},
		{cpuid.FMA3, "fma3"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			feats = append(feats, f.name)
		}
	}
	if len(feats) == 0 {
		return cpuid.CPU.BrandName
	}
	return cpuid.CPU.BrandName + " [" + strings.Join(feats, " ") + "]"
}
