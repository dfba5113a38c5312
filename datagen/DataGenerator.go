// Package datagen implements the data-generation worker: it steps a
// bank of parallel environments with the acting agent (or with each
// environment's motion planner) and feeds the resulting transitions to
// the replay buffer. Stepping can run concurrently with gradient
// updates through the async/wait pair.
package datagen

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/visuotactile/goslac/agent"
	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/environment"
	"github.com/visuotactile/goslac/model"
	"github.com/visuotactile/goslac/remote"
	"github.com/visuotactile/goslac/replay"
	"github.com/visuotactile/goslac/storage"
	"github.com/visuotactile/goslac/timestep"
	"github.com/visuotactile/goslac/utils/progressbar"
)

const progressBarWidth = 65

// stepResult is the outcome of one synchronous pass over all
// environments.
type stepResult struct {
	completed int
	err       error
}

// DataGenerator steps parallel environments and records transitions.
// It is driven by a single caller; only the async/wait pair introduces
// concurrency, and a pending async step owns the generator until
// waited on.
type DataGenerator struct {
	conf   config.Config
	envs   []environment.Environment
	agent  *agent.Agent
	buffer replay.Sampler

	// latest holds the newest timestep per environment slot.
	latest  []timestep.TimeStep
	expert  bool
	pending *remote.Future[stepResult]
}

// New returns a DataGenerator over the given environments. The agent
// must be configured for len(envs) parallel slots.
func New(conf config.Config, envs []environment.Environment, a *agent.Agent,
	buffer replay.Sampler) (*DataGenerator, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("new: need at least one environment")
	}
	if a.NumEnvs() != len(envs) {
		return nil, fmt.Errorf("new: agent has %v environment slots but "+
			"%v environments were given", a.NumEnvs(), len(envs))
	}
	return &DataGenerator{
		conf:   conf,
		envs:   envs,
		agent:  a,
		buffer: buffer,
		latest: make([]timestep.TimeStep, len(envs)),
	}, nil
}

// ResetEnvs starts a fresh episode in every environment and clears the
// agent's histories. When expert is true, subsequent steps use each
// environment's planner instead of the policy.
func (d *DataGenerator) ResetEnvs(expert bool) error {
	if d.pending != nil {
		return fmt.Errorf("resetEnvs: a step is still in flight")
	}
	if expert {
		for _, env := range d.envs {
			if _, ok := env.(environment.Planner); !ok {
				return fmt.Errorf("resetEnvs: environment %T has no planner",
					env)
			}
		}
	}

	for e, env := range d.envs {
		step, err := env.Reset()
		if err != nil {
			return fmt.Errorf("resetEnvs: %v", err)
		}
		d.latest[e] = step
	}
	d.agent.Reset()
	d.expert = expert
	return nil
}

// SetWeights installs new acting parameters on the generator's agent.
// Must not be called while a step is in flight.
func (d *DataGenerator) SetWeights(w model.Weights) error {
	if d.pending != nil {
		return fmt.Errorf("setWeights: a step is still in flight")
	}
	if err := d.agent.SetWeights(w); err != nil {
		return fmt.Errorf("setWeights: %v", err)
	}
	return nil
}

// StepEnvsAsync begins one stepping pass over all environments on a
// background goroutine. The generator must not be touched again until
// StepEnvsWait is called.
func (d *DataGenerator) StepEnvsAsync() error {
	if d.pending != nil {
		return fmt.Errorf("stepEnvsAsync: a step is already in flight")
	}
	d.pending = remote.Go(func() stepResult {
		n, err := d.stepOnce()
		return stepResult{completed: n, err: err}
	})
	return nil
}

// StepEnvsWait blocks until the pass started by StepEnvsAsync
// finishes and returns the number of episodes it completed.
func (d *DataGenerator) StepEnvsWait() (int, error) {
	if d.pending == nil {
		return 0, nil
	}
	res := d.pending.Get()
	d.pending = nil
	if res.err != nil {
		return 0, fmt.Errorf("stepEnvsWait: %v", res.err)
	}
	return res.completed, nil
}

// stepOnce advances every environment by one action and records the
// transitions. Environments whose episodes end are reset in place.
func (d *DataGenerator) stepOnce() (int, error) {
	obs := make([]timestep.Observation, len(d.envs))
	for e := range d.envs {
		obs[e] = d.latest[e].Observation
	}

	var unscaled, scaled []mat.Vector
	var err error
	if d.expert {
		unscaled, scaled, err = d.planActions()
	} else {
		unscaled, scaled, err = d.agent.GetAction(obs, false)
	}
	if err != nil {
		return 0, err
	}

	completed := 0
	for e, env := range d.envs {
		next, err := env.Step(scaled[e])
		if err != nil {
			return completed, err
		}

		stored, err := d.agent.PreprocessObservation(obs[e])
		if err != nil {
			return completed, err
		}
		tr := timestep.NewTransition(e, stored, unscaled[e], next.Reward,
			next.Last())
		if next.Last() {
			// The replay buffer needs the episode-ending observation so
			// sample windows can cover the terminal transition.
			final, err := d.agent.PreprocessObservation(next.Observation)
			if err != nil {
				return completed, err
			}
			tr.NextObs = final
		}
		d.buffer.Add(tr)

		if next.Last() {
			completed++
			reset, err := env.Reset()
			if err != nil {
				return completed, err
			}
			if err := d.agent.ResetEpisode(e); err != nil {
				return completed, err
			}
			d.latest[e] = reset
		} else {
			d.latest[e] = next
		}
	}
	return completed, nil
}

// planActions queries every environment's planner and converts the
// physical-scale expert actions to the normalized scale the replay
// buffer stores.
func (d *DataGenerator) planActions() (unscaled, scaled []mat.Vector, err error) {
	unscaled = make([]mat.Vector, len(d.envs))
	scaled = make([]mat.Vector, len(d.envs))
	for e, env := range d.envs {
		planner, ok := env.(environment.Planner)
		if !ok {
			return nil, nil, fmt.Errorf("planActions: environment %v has "+
				"no planner", e)
		}
		plan, err := planner.PlanAction()
		if err != nil {
			return nil, nil, fmt.Errorf("planActions: %v", err)
		}
		// Round-tripping through the normalized scale clamps the plan
		// to the configured action bounds.
		unscaled[e] = d.agent.ConvertPlanAction(plan)
		scaled[e] = d.agent.DecodeActions(unscaled[e])
	}
	return unscaled, scaled, nil
}

// Generate runs episodes until the requested number complete, showing
// progress on out. The shared storage terminate flag aborts the loop
// early.
func (d *DataGenerator) Generate(store *storage.SharedStorage, episodes int,
	expert bool, out io.Writer) (int, error) {
	if err := d.ResetEnvs(expert); err != nil {
		return 0, fmt.Errorf("generate: %v", err)
	}

	var bar *progressbar.ProgressBar
	if out != nil {
		bar = progressbar.New(progressBarWidth, episodes, out)
		bar.Display()
		defer bar.Close()
	}

	done := 0
	for done < episodes {
		if store != nil && store.GetBool("terminate").Get() {
			return done, nil
		}
		n, err := d.stepOnce()
		if err != nil {
			return done, fmt.Errorf("generate: %v", err)
		}
		if n > 0 {
			done += n
			if bar != nil {
				bar.Increment(n)
				bar.Display()
			}
		}
	}
	return done, nil
}
