package train

import (
	"math"
	"testing"
	"time"

	"github.com/quantlab/dorefa/internal/model"
)

func TestScheduleAt(t *testing.T) {
	t.Parallel()

	s := DefaultSchedule()
	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 1e-4},
		{55, 1e-4},
		{56, 2e-5},
		{63, 2e-5},
		{64, 4e-6},
		{99, 4e-6},
	}
	for _, tc := range tests {
		if got := s.At(tc.epoch); got != tc.want {
			t.Errorf("At(%d) = %g, want %g", tc.epoch, got, tc.want)
		}
	}
}

// TestAdamClosedForm checks the first two updates of a single scalar against
// hand-computed values.
func TestAdamClosedForm(t *testing.T) {
	t.Parallel()

	p := &model.Param{
		Name: "w",
		Val:  []float32{1},
		Grad: []float32{0.5},
	}
	a := NewAdam(0.1)
	a.Step([]*model.Param{p})

	// Step 1: m=0.05, v=0.00025, mhat=0.5, vhat=0.25,
	// w -= 0.1*0.5/(0.5+1e-5).
	want := 1 - 0.1*0.5/(0.5+1e-5)
	if math.Abs(float64(p.Val[0])-want) > 1e-6 {
		t.Fatalf("step 1: got %v, want %v", p.Val[0], want)
	}

	p.Grad[0] = 0.5
	a.Step([]*model.Param{p})
	m := 0.9*0.05 + 0.1*0.5
	v := 0.999*0.00025 + 0.001*0.25
	mhat := m / (1 - math.Pow(0.9, 2))
	vhat := v / (1 - math.Pow(0.999, 2))
	want -= 0.1 * mhat / (math.Sqrt(vhat) + 1e-5)
	if math.Abs(float64(p.Val[0])-want) > 1e-5 {
		t.Fatalf("step 2: got %v, want %v", p.Val[0], want)
	}
	if a.StepCount() != 2 {
		t.Fatalf("step count %d", a.StepCount())
	}
}

func TestAdamWeightDecayOnlyOnMarked(t *testing.T) {
	t.Parallel()

	decayed := &model.Param{Name: "fc/W", Val: []float32{2}, Grad: []float32{0}, Decay: true}
	plain := &model.Param{Name: "conv/W", Val: []float32{2}, Grad: []float32{0}}

	a := NewAdam(0.1)
	a.WeightDecay = 0.5
	a.Step([]*model.Param{decayed, plain})

	if plain.Val[0] != 2 {
		t.Fatalf("undecayed parameter moved with zero gradient: %v", plain.Val[0])
	}
	if decayed.Val[0] >= 2 {
		t.Fatalf("decayed parameter did not shrink: %v", decayed.Val[0])
	}
}

func TestAdamMomentRoundTrip(t *testing.T) {
	t.Parallel()

	p := &model.Param{Name: "w", Val: []float32{1, 2}, Grad: []float32{0.1, -0.2}}
	a := NewAdam(0.01)
	a.Step([]*model.Param{p})
	a.Step([]*model.Param{p})

	saved := a.Tensors()
	if len(saved) != 2 {
		t.Fatalf("exported %d tensors, want 2", len(saved))
	}

	b := NewAdam(0.01)
	b.Restore(saved, a.StepCount())
	if b.StepCount() != 2 {
		t.Fatalf("restored step count %d", b.StepCount())
	}

	// Clone a's moments so the two optimizers no longer share slices, then
	// both must produce identical updates.
	for name, buf := range a.m {
		cp := make([]float32, len(buf))
		copy(cp, buf)
		a.m[name] = cp
	}
	for name, buf := range a.v {
		cp := make([]float32, len(buf))
		copy(cp, buf)
		a.v[name] = cp
	}
	pa := &model.Param{Name: "w", Val: []float32{5, 5}, Grad: []float32{0.3, 0.3}}
	pb := &model.Param{Name: "w", Val: []float32{5, 5}, Grad: []float32{0.3, 0.3}}
	a.Step([]*model.Param{pa})
	b.Step([]*model.Param{pb})
	for i := range pa.Val {
		if pa.Val[i] != pb.Val[i] {
			t.Fatalf("restored optimizer diverged at %d: %v vs %v", i, pa.Val[i], pb.Val[i])
		}
	}
}

func TestStatsEMA(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.ObserveStep(1, 0, 1e-4, 2.0, 0.9, 0.7, 32)
	snap := s.Snapshot()
	if snap.Loss != 2.0 || snap.TrainTop1 != 0.9 {
		t.Fatalf("first observation should seed the averages: %+v", snap)
	}

	s.ObserveStep(2, 0, 1e-4, 1.0, 0.5, 0.3, 32)
	snap = s.Snapshot()
	wantLoss := emaDecay*2.0 + (1-emaDecay)*1.0
	if math.Abs(snap.Loss-wantLoss) > 1e-9 {
		t.Fatalf("loss EMA = %v, want %v", snap.Loss, wantLoss)
	}
	if snap.Step != 2 || snap.Epoch != 0 || snap.LR != 1e-4 {
		t.Fatalf("snapshot bookkeeping: %+v", snap)
	}
	if snap.UpdatedAt.IsZero() || time.Since(snap.UpdatedAt) > time.Minute {
		t.Fatalf("updated-at not maintained: %v", snap.UpdatedAt)
	}
}

func TestStatsValidation(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.SetValidation(1.5, 0.4, 0.2)
	snap := s.Snapshot()
	if snap.ValCost != 1.5 || snap.ValTop1 != 0.4 || snap.ValTop5 != 0.2 {
		t.Fatalf("validation snapshot: %+v", snap)
	}
}

func TestTrainerConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("empty config must be rejected")
	}
}
