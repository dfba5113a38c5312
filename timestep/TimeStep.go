// Package timestep implements timesteps of the agent-environment
// interaction for multimodal manipulation observations.
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// StepType denotes the type of step that a TimeStep can be: the first
// environmental step, a middle step, or a last step.
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// Observation packages the raw multimodal sensor readings of one
// environment instance: a state vector, a camera image, a short history
// of force/torque readings, and proprioception.
type Observation struct {
	State   mat.Vector
	Vision  *tensor.Dense // (channels, height, width)
	Force   *tensor.Dense // (history, forceDim)
	Proprio mat.Vector
}

// TimeStep packages together a single timestep in an environment.
type TimeStep struct {
	stepType    StepType
	Reward      float64
	Observation Observation
	Number      int
}

func New(t StepType, r float64, o Observation, n int) TimeStep {
	return TimeStep{t, r, o, n}
}

// First returns whether a TimeStep is the first in an episode.
func (t *TimeStep) First() bool { return t.stepType == First }

// Mid returns whether a TimeStep is a middle step in an episode.
func (t *TimeStep) Mid() bool { return t.stepType == Mid }

// Last returns whether a TimeStep is the last step in an episode.
func (t *TimeStep) Last() bool { return t.stepType == Last }

func (t TimeStep) String() string {
	return fmt.Sprintf("TimeStep | Type: %v  |  Reward:  %.2f  |  "+
		"Step Number:  %v", t.stepType, t.Reward, t.Number)
}

// Transition is a single (o, a, r, done) record in the form the replay
// buffer stores: the action is in normalized [-1, 1] scale. NextObs is
// set only on terminal transitions and carries the observation the
// episode ended on, so sampled windows can cover the final step.
type Transition struct {
	EnvID   int
	Obs     Observation
	Action  mat.Vector
	Reward  float64
	Done    bool
	NextObs Observation
}

// NewTransition packages a step of environment interaction.
func NewTransition(envID int, obs Observation, action mat.Vector,
	reward float64, done bool) Transition {
	return Transition{
		EnvID:  envID,
		Obs:    obs,
		Action: action,
		Reward: reward,
		Done:   done,
	}
}
