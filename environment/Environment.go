// Package environment outlines the interfaces needed to implement
// concrete manipulation environments. The physics simulation itself is
// an external collaborator; the training stack only depends on the
// contracts below.
package environment

import (
	"gonum.org/v1/gonum/mat"

	"github.com/visuotactile/goslac/timestep"
)

// Cardinality indicates whether the associated type is continuous or
// discrete.
type Cardinality int

const (
	Discrete Cardinality = iota
	Continuous
)

// SpecType determines what kind of specification a Spec is.
type SpecType int

const (
	Action SpecType = iota
	Observation
	Reward
)

// Spec tells the type, shape, and bounds of an action, observation, or
// reward.
type Spec struct {
	Shape      mat.Vector
	Type       SpecType
	LowerBound mat.Vector
	UpperBound mat.Vector
	Cardinality
}

// Environment is one simulated manipulation environment instance.
// Actions are physical-scale command vectors; observations are the
// multimodal tuples defined in package timestep.
type Environment interface {
	// Reset starts a new episode and returns its first timestep.
	Reset() (timestep.TimeStep, error)

	// Step applies one action. The returned timestep carries the
	// reward for the transition and reports episode termination
	// through its step type.
	Step(action mat.Vector) (timestep.TimeStep, error)

	ObservationSpec() Spec
	ActionSpec() Spec
}

// Planner is implemented by environments that can produce expert
// actions for their current state. Planner actions are physical-scale
// and may exceed the configured action bounds; callers clamp them.
type Planner interface {
	// PlanAction returns an expert action for the current state.
	PlanAction() (mat.Vector, error)
}
