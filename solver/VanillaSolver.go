package solver

import (
	"fmt"

	"github.com/visuotactile/goslac/model"
)

// VanillaConfig describes a configuration of vanilla stochastic
// gradient descent.
type VanillaConfig struct {
	StepSize float64
}

// NewVanilla returns a new vanilla gradient descent Solver
func NewVanilla(stepSize float64) (*Solver, error) {
	return newSolver(Vanilla, VanillaConfig{StepSize: stepSize})
}

// Create returns the update rule described by the VanillaConfig
func (v VanillaConfig) Create() stepper {
	return &vanillaStepper{lr: v.StepSize}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}

type vanillaStepper struct {
	lr    float64
	steps int
}

func (v *vanillaStepper) Step(params []*model.Learnable) error {
	v.steps++
	for _, p := range params {
		value := p.Value.Data().([]float64)
		grad := p.Grad.Data().([]float64)
		if len(value) != len(grad) {
			return fmt.Errorf("step: parameter %v has %v values but %v "+
				"gradients", p.Name, len(value), len(grad))
		}
		for i := range value {
			value[i] -= v.lr * grad[i]
			grad[i] = 0
		}
	}
	return nil
}

func (v *vanillaStepper) LearnRate() float64 { return v.lr }

func (v *vanillaStepper) SetLearnRate(lr float64) { v.lr = lr }

func (v *vanillaStepper) State() State {
	return State{Type: Vanilla, LearnRate: v.lr, StepCount: v.steps}
}

func (v *vanillaStepper) SetState(s State) error {
	if s.Type != Vanilla {
		return fmt.Errorf("setState: cannot restore %v state into "+
			"vanilla solver", s.Type)
	}
	v.lr = s.LearnRate
	v.steps = s.StepCount
	return nil
}
