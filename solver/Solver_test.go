package solver

import (
	"encoding/json"
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/model"
)

func newParam(t *testing.T, name string, vals ...float64) *model.Learnable {
	t.Helper()
	return model.NewLearnable(name, tensor.New(
		tensor.WithShape(len(vals)), tensor.WithBacking(vals)))
}

func TestAdamStepsAgainstGradient(t *testing.T) {
	s, err := NewDefaultAdam(0.1)
	if err != nil {
		t.Fatal(err)
	}

	p := newParam(t, "w", 1.0, -1.0)
	copy(p.Grad.Data().([]float64), []float64{2.0, -3.0})

	if err := s.Step([]*model.Learnable{p}); err != nil {
		t.Fatal(err)
	}

	vals := p.Value.Data().([]float64)
	if vals[0] >= 1.0 {
		t.Errorf("positive gradient should decrease the parameter, got %v",
			vals[0])
	}
	if vals[1] <= -1.0 {
		t.Errorf("negative gradient should increase the parameter, got %v",
			vals[1])
	}

	// The first bias-corrected Adam step has magnitude close to the
	// step size
	if math.Abs(math.Abs(vals[0]-1.0)-0.1) > 1e-3 {
		t.Errorf("expected a first step of about 0.1, got %v",
			math.Abs(vals[0]-1.0))
	}

	for i, g := range p.Grad.Data().([]float64) {
		if g != 0 {
			t.Errorf("expected gradient %v cleared after Step, got %v", i, g)
		}
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	s, err := NewDefaultAdam(0.05)
	if err != nil {
		t.Fatal(err)
	}

	p := newParam(t, "w", 0.5)
	for i := 0; i < 3; i++ {
		p.Grad.Data().([]float64)[0] = 1.0
		if err := s.Step([]*model.Learnable{p}); err != nil {
			t.Fatal(err)
		}
	}
	state := s.State()

	restored, err := NewDefaultAdam(0.05)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.SetState(state); err != nil {
		t.Fatal(err)
	}

	// Both solvers should now produce identical updates
	a := newParam(t, "w", 1.0)
	b := newParam(t, "w", 1.0)
	a.Grad.Data().([]float64)[0] = 0.7
	b.Grad.Data().([]float64)[0] = 0.7
	if err := s.Step([]*model.Learnable{a}); err != nil {
		t.Fatal(err)
	}
	if err := restored.Step([]*model.Learnable{b}); err != nil {
		t.Fatal(err)
	}

	av := a.Value.Data().([]float64)[0]
	bv := b.Value.Data().([]float64)[0]
	if math.Abs(av-bv) > 1e-12 {
		t.Errorf("restored solver diverged: %v vs %v", av, bv)
	}
}

func TestVanillaStep(t *testing.T) {
	s, err := NewVanilla(0.5)
	if err != nil {
		t.Fatal(err)
	}

	p := newParam(t, "w", 2.0)
	p.Grad.Data().([]float64)[0] = 1.0
	if err := s.Step([]*model.Learnable{p}); err != nil {
		t.Fatal(err)
	}

	got := p.Value.Data().([]float64)[0]
	if math.Abs(got-1.5) > 1e-12 {
		t.Errorf("expected 1.5 after one vanilla step, got %v", got)
	}
}

func TestExponentialLR(t *testing.T) {
	s, err := NewDefaultAdam(1.0)
	if err != nil {
		t.Fatal(err)
	}
	sched, err := NewExponentialLR(s, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	sched.Step()
	sched.Step()
	if lr := s.LearnRate(); math.Abs(lr-0.25) > 1e-12 {
		t.Errorf("expected learning rate 0.25 after two decays, got %v", lr)
	}

	if _, err := NewExponentialLR(s, 0); err == nil {
		t.Error("expected an error for a zero decay factor")
	}
}

func TestSolverUnmarshalJSON(t *testing.T) {
	data := []byte(`{
		"Type": "Adam",
		"Config": {"StepSize": 0.01, "Epsilon": 1e-8,
			"Beta1": 0.9, "Beta2": 0.999}
	}`)

	var s Solver
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Type != Adam {
		t.Errorf("expected Adam, got %v", s.Type)
	}
	if lr := s.LearnRate(); math.Abs(lr-0.01) > 1e-12 {
		t.Errorf("expected learn rate 0.01, got %v", lr)
	}
}
