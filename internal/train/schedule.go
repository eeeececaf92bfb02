package train

// SchedulePoint drops the learning rate to LR at the start of Epoch.
type SchedulePoint struct {
	Epoch int
	LR    float64
}

// Schedule is a piecewise-constant learning rate schedule: Base until the
// first point's epoch, then each point's value from its epoch onward. Points
// must be in increasing epoch order.
type Schedule struct {
	Base   float64
	Points []SchedulePoint
}

// DefaultSchedule is the published recipe: 1e-4, dropping to 2e-5 at epoch 56
// and 4e-6 at epoch 64.
func DefaultSchedule() Schedule {
	return Schedule{
		Base: 1e-4,
		Points: []SchedulePoint{
			{Epoch: 56, LR: 2e-5},
			{Epoch: 64, LR: 4e-6},
		},
	}
}

// At returns the learning rate for an epoch.
func (s Schedule) At(epoch int) float64 {
	lr := s.Base
	for _, p := range s.Points {
		if epoch >= p.Epoch {
			lr = p.LR
		}
	}
	return lr
}
