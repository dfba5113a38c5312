package blockreach

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/timestep"
)

func TestResetObservationShapes(t *testing.T) {
	conf := config.Default()
	env, err := New(conf, 17)
	if err != nil {
		t.Fatal(err)
	}

	step, err := env.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !step.First() {
		t.Error("expected the reset timestep to be First")
	}
	if step.Reward != 0 {
		t.Errorf("expected zero reward on reset, got %v", step.Reward)
	}

	obs := step.Observation
	raw := 2 * conf.VisionSize
	if s := obs.Vision.Shape(); s[0] != conf.VisionChannels || s[1] != raw ||
		s[2] != raw {
		t.Errorf("expected raw vision shape (%v, %v, %v), got %v",
			conf.VisionChannels, raw, raw, s)
	}
	if s := obs.Force.Shape(); s[0] != forceHistoryLen ||
		s[1] != conf.ForceDim {
		t.Errorf("expected force shape (%v, %v), got %v", forceHistoryLen,
			conf.ForceDim, s)
	}
	if obs.Proprio.Len() != conf.ProprioDim {
		t.Errorf("expected proprioception of length %v, got %v",
			conf.ProprioDim, obs.Proprio.Len())
	}

	// Poses stay on the table
	for i := 0; i < obs.State.Len(); i++ {
		if p := obs.State.AtVec(i); p < 0 || p > TableSize {
			t.Errorf("state component %v off the table: %v", i, p)
		}
	}
}

// resetFar resets the environment until the block spawns outside the
// reach threshold of the centered gripper.
func resetFar(t *testing.T, env *BlockReach) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := env.Reset(); err != nil {
			t.Fatal(err)
		}
		if env.blockDistance() > 2*reachThreshold {
			return
		}
	}
	t.Fatal("block kept spawning on top of the gripper")
}

func TestStepRejectsWrongActionDim(t *testing.T) {
	env, err := New(config.Default(), 17)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Step(mat.NewVecDense(3, nil)); err == nil {
		t.Error("expected an error for a short action vector")
	}
}

func TestStepAdvancesEpisode(t *testing.T) {
	conf := config.Default()
	env, err := New(conf, 17)
	if err != nil {
		t.Fatal(err)
	}
	resetFar(t, env)

	// A zero action moves nothing; the gripper starts away from the block
	step, err := env.Step(mat.NewVecDense(conf.ActionDim, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !step.Mid() {
		t.Error("expected a Mid timestep after one idle action")
	}
	if step.Reward >= 0 {
		t.Errorf("expected a negative distance reward, got %v", step.Reward)
	}
	if step.Number != 1 {
		t.Errorf("expected step number 1, got %v", step.Number)
	}
}

func TestPlannerReachesBlock(t *testing.T) {
	conf := config.Default()
	env, err := New(conf, 17)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Reset(); err != nil {
		t.Fatal(err)
	}

	var last timestep.TimeStep
	for i := 0; i < maxEpisodeSteps; i++ {
		plan, err := env.PlanAction()
		if err != nil {
			t.Fatal(err)
		}
		// Clamp the plan to the physical bounds like the agent does
		spec := env.ActionSpec()
		clamped := mat.NewVecDense(conf.ActionDim, nil)
		for j := 0; j < conf.ActionDim; j++ {
			v := plan.AtVec(j)
			if lo := spec.LowerBound.AtVec(j); v < lo {
				v = lo
			}
			if hi := spec.UpperBound.AtVec(j); v > hi {
				v = hi
			}
			clamped.SetVec(j, v)
		}

		last, err = env.Step(clamped)
		if err != nil {
			t.Fatal(err)
		}
		if last.Last() {
			break
		}
	}

	if !last.Last() {
		t.Fatal("planner did not finish an episode within the step limit")
	}
	if last.Reward != 1.0 {
		t.Errorf("expected the reach reward, got %v", last.Reward)
	}
}

func TestEpisodeStepLimit(t *testing.T) {
	conf := config.Default()
	env, err := New(conf, 17)
	if err != nil {
		t.Fatal(err)
	}
	resetFar(t, env)

	// Idle actions never reach the block, so the step limit terminates
	idle := mat.NewVecDense(conf.ActionDim, nil)
	var last timestep.TimeStep
	for i := 0; i < maxEpisodeSteps; i++ {
		last, err = env.Step(idle)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !last.Last() {
		t.Error("expected the step limit to end the episode")
	}
}

func TestActionSpecBounds(t *testing.T) {
	conf := config.Default()
	env, err := New(conf, 17)
	if err != nil {
		t.Fatal(err)
	}

	spec := env.ActionSpec()
	if spec.LowerBound.AtVec(0) != 0 || spec.UpperBound.AtVec(0) != 1 {
		t.Error("gripper command bounds should be [0, 1]")
	}
	if spec.LowerBound.AtVec(1) != -conf.DPos ||
		spec.UpperBound.AtVec(1) != conf.DPos {
		t.Error("positional bounds should match the configured delta")
	}
	last := conf.ActionDim - 1
	if spec.LowerBound.AtVec(last) != -conf.DRot ||
		spec.UpperBound.AtVec(last) != conf.DRot {
		t.Error("rotational bounds should match the configured delta")
	}
}
