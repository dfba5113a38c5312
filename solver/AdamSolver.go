package solver

import (
	"fmt"
	"math"

	"github.com/visuotactile/goslac/model"
)

// AdamConfig describes a configuration of the Adam solver
type AdamConfig struct {
	StepSize float64
	Epsilon  float64 // Smoothing factor
	Beta1    float64
	Beta2    float64
}

// NewDefaultAdam returns a new Adam Solver with default hyperparameters
func NewDefaultAdam(stepSize float64) (*Solver, error) {
	return NewAdam(stepSize, 1e-8, 0.9, 0.999)
}

// NewAdam returns a new Adam Solver
func NewAdam(stepSize, epsilon, beta1, beta2 float64) (*Solver, error) {
	adam := AdamConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Beta1:    beta1,
		Beta2:    beta2,
	}
	return newSolver(Adam, adam)
}

// Create returns the update rule described by the AdamConfig
func (a AdamConfig) Create() stepper {
	return &adamStepper{
		lr:      a.StepSize,
		eps:     a.Epsilon,
		beta1:   a.Beta1,
		beta2:   a.Beta2,
		moments: make(map[string][]float64),
	}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (a AdamConfig) ValidType(t Type) bool {
	return t == Adam
}

// adamStepper implements the Adam update rule with bias correction.
// First and second moment estimates are kept per parameter name.
type adamStepper struct {
	lr    float64
	eps   float64
	beta1 float64
	beta2 float64

	steps int
	// moments stores, for parameter name p, the concatenation of the
	// first moment estimate and the second moment estimate.
	moments map[string][]float64
}

func (a *adamStepper) Step(params []*model.Learnable) error {
	a.steps++
	correction1 := 1 - math.Pow(a.beta1, float64(a.steps))
	correction2 := 1 - math.Pow(a.beta2, float64(a.steps))

	for _, p := range params {
		value := p.Value.Data().([]float64)
		grad := p.Grad.Data().([]float64)
		if len(value) != len(grad) {
			return fmt.Errorf("step: parameter %v has %v values but %v "+
				"gradients", p.Name, len(value), len(grad))
		}

		moment, ok := a.moments[p.Name]
		if !ok {
			moment = make([]float64, 2*len(value))
			a.moments[p.Name] = moment
		}
		m := moment[:len(value)]
		v := moment[len(value):]

		for i := range value {
			m[i] = a.beta1*m[i] + (1-a.beta1)*grad[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*grad[i]*grad[i]

			mHat := m[i] / correction1
			vHat := v[i] / correction2
			value[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
			grad[i] = 0
		}
	}
	return nil
}

func (a *adamStepper) LearnRate() float64 { return a.lr }

func (a *adamStepper) SetLearnRate(lr float64) { a.lr = lr }

func (a *adamStepper) State() State {
	moments := make(map[string][]float64, len(a.moments))
	for name, m := range a.moments {
		cp := make([]float64, len(m))
		copy(cp, m)
		moments[name] = cp
	}
	return State{
		Type:      Adam,
		LearnRate: a.lr,
		StepCount: a.steps,
		Moments:   moments,
	}
}

func (a *adamStepper) SetState(s State) error {
	if s.Type != Adam {
		return fmt.Errorf("setState: cannot restore %v state into Adam "+
			"solver", s.Type)
	}
	a.lr = s.LearnRate
	a.steps = s.StepCount
	a.moments = make(map[string][]float64, len(s.Moments))
	for name, m := range s.Moments {
		cp := make([]float64, len(m))
		copy(cp, m)
		a.moments[name] = cp
	}
	return nil
}
