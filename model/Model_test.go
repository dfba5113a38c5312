package model

import (
	"math"
	"testing"

	"gorgonia.org/tensor"
)

// stubModule is a minimal Module for exercising the parameter helpers.
type stubModule struct {
	params []*Learnable
}

func (s *stubModule) Learnables() []*Learnable { return s.params }

func (s *stubModule) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

func newStub(vals ...float64) *stubModule {
	return &stubModule{params: []*Learnable{
		NewLearnable("w", tensor.New(tensor.WithShape(len(vals)),
			tensor.WithBacking(vals))),
	}}
}

func TestNewLearnableZeroGrad(t *testing.T) {
	l := NewLearnable("w", tensor.New(tensor.WithShape(2),
		tensor.WithBacking([]float64{1, 2})))

	grad := l.Grad.Data().([]float64)
	if len(grad) != 2 {
		t.Fatalf("expected a gradient with 2 elements, got %v", len(grad))
	}
	grad[0] = 5
	l.ZeroGrad()
	if grad[0] != 0 {
		t.Errorf("expected a cleared gradient, got %v", grad[0])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newStub(1, 2, 3)
	dst := newStub(0, 0, 0)

	exported := ExportLearnables(src)

	// Exported values are deep copies
	src.params[0].Value.Data().([]float64)[0] = 99
	if exported[0].Data().([]float64)[0] != 1 {
		t.Error("export aliased the live parameter")
	}

	if err := ImportLearnables(dst, exported); err != nil {
		t.Fatal(err)
	}
	got := dst.params[0].Value.Data().([]float64)
	want := []float64{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v at %v, got %v", want[i], i, got[i])
		}
	}
}

func TestImportLearnablesRejectsMismatch(t *testing.T) {
	dst := newStub(0, 0)
	if err := ImportLearnables(dst, nil); err == nil {
		t.Error("expected an error for a missing parameter list")
	}

	wrongSize := []*tensor.Dense{tensor.New(tensor.WithShape(3),
		tensor.WithBacking([]float64{1, 2, 3}))}
	if err := ImportLearnables(dst, wrongSize); err == nil {
		t.Error("expected an error for mismatched parameter sizes")
	}
}

func TestPolyak(t *testing.T) {
	live := newStub(1, 1)
	target := newStub(0, 2)

	// tau = 0 leaves the target untouched
	if err := Polyak(target, live, 0); err != nil {
		t.Fatal(err)
	}
	got := target.params[0].Value.Data().([]float64)
	if got[0] != 0 || got[1] != 2 {
		t.Errorf("tau=0 moved the target: %v", got)
	}

	// tau = 0.5 averages
	if err := Polyak(target, live, 0.5); err != nil {
		t.Fatal(err)
	}
	if math.Abs(got[0]-0.5) > 1e-12 || math.Abs(got[1]-1.5) > 1e-12 {
		t.Errorf("expected [0.5 1.5], got %v", got)
	}

	// tau = 1 copies
	if err := Polyak(target, live, 1); err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[1] != 1 {
		t.Errorf("tau=1 did not copy the live parameters: %v", got)
	}
}

func TestLatentLossesTotal(t *testing.T) {
	l := LatentLosses{KLD: 1, Image: 2, Reward: 3, Alignment: 4, Contact: 5}
	if got := l.Total(); got != 15 {
		t.Errorf("expected total 15, got %v", got)
	}
}
