// Package solver implements gradient-descent solvers that update
// model.Learnable parameters in place. The solvers mirror the
// semantics of Gorgonia's solvers but operate on graph-free parameter
// tensors, and can be JSON serialized into configuration files.
package solver

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/visuotactile/goslac/model"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	Vanilla Type = "Vanilla"
)

// Solver updates parameters from their accumulated gradients.
type Solver struct {
	stepper
	Type
	Config
}

// stepper is the concrete update rule behind a Solver.
type stepper interface {
	// Step applies one update to every parameter and leaves the
	// gradients cleared.
	Step(params []*model.Learnable) error

	// LearnRate returns the current step size.
	LearnRate() float64

	// SetLearnRate replaces the step size.
	SetLearnRate(lr float64)

	// State exports internal solver state (e.g. moment estimates) for
	// checkpointing.
	State() State

	// SetState restores exported state.
	SetState(State) error
}

// State is a checkpointable snapshot of a solver's internals.
type State struct {
	Type      Type
	LearnRate float64
	StepCount int
	Moments   map[string][]float64
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newSolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	solver := Solver{Type: t, Config: c}
	solver.stepper = solver.Config.Create()
	return &solver, nil
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(Vanilla): reflect.TypeOf(VanillaConfig{}),
			string(Adam):    reflect.TypeOf(AdamConfig{}),
		})
	if err != nil {
		return err
	}

	s.Type = typeName
	s.Config = config
	s.stepper = s.Config.Create()
	return nil
}

// unmarshalConfig uses reflection to unmarshal a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName := m[typeJsonField].(string)
	var value Config
	if ty, found := customTypes[typeName]; found {
		value = reflect.New(ty).Interface().(Config)
	}

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config describes a solver and can create it.
type Config interface {
	Create() stepper

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool
}

// ExponentialLR decays a solver's learning rate by a constant factor
// on every Step call.
type ExponentialLR struct {
	solver *Solver
	decay  float64
}

// NewExponentialLR returns a scheduler that multiplies the solver's
// learning rate by decay each time Step is called.
func NewExponentialLR(s *Solver, decay float64) (*ExponentialLR, error) {
	if decay <= 0 || decay > 1 {
		return nil, fmt.Errorf("newExponentialLR: decay must be in (0, 1]")
	}
	return &ExponentialLR{solver: s, decay: decay}, nil
}

// Step applies one decay of the learning rate.
func (e *ExponentialLR) Step() {
	e.solver.SetLearnRate(e.solver.LearnRate() * e.decay)
}
