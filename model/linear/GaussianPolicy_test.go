package linear

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/initwfn"
)

func zeroPolicy(t *testing.T, featureDim, actionDim int) *GaussianPolicy {
	t.Helper()
	init, err := initwfn.NewZeroes()
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewGaussianPolicy(featureDim, actionDim, init, 42)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGaussianPolicySampleShapes(t *testing.T) {
	p := zeroPolicy(t, 3, 2)

	x := tensor.New(tensor.WithShape(4, 3),
		tensor.WithBacking(make([]float64, 12)))
	actions, logPi, err := p.Sample(x)
	if err != nil {
		t.Fatal(err)
	}

	if s := actions.Shape(); s[0] != 4 || s[1] != 2 {
		t.Errorf("expected action shape (4, 2), got %v", s)
	}
	if s := logPi.Shape(); s[0] != 4 {
		t.Errorf("expected 4 log-probabilities, got shape %v", s)
	}

	for i, a := range actions.Data().([]float64) {
		if a <= -1 || a >= 1 {
			t.Errorf("action %v out of (-1, 1): %v", i, a)
		}
	}
	for i, lp := range logPi.Data().([]float64) {
		if math.IsNaN(lp) || math.IsInf(lp, 0) {
			t.Errorf("log-probability %v not finite: %v", i, lp)
		}
	}
}

func TestGaussianPolicyLogPiMatchesSample(t *testing.T) {
	p := zeroPolicy(t, 2, 2)

	x := tensor.New(tensor.WithShape(3, 2),
		tensor.WithBacking(make([]float64, 6)))
	_, logPi, err := p.Sample(x)
	if err != nil {
		t.Fatal(err)
	}

	// Recompute the density from the cached noise and actions: with
	// zero mean and unit standard deviation u = eps.
	halfLog2Pi := 0.5 * math.Log(2*math.Pi)
	for b := 0; b < 3; b++ {
		var want float64
		for i := 0; i < 2; i++ {
			e := p.lastEps[b*2+i]
			a := p.lastAction[b*2+i]
			want += -0.5*e*e - halfLog2Pi - math.Log(1-a*a+squashEps)
		}
		got := logPi.Data().([]float64)[b]
		if math.Abs(got-want) > 1e-10 {
			t.Errorf("row %v: expected log-probability %v, got %v", b, want,
				got)
		}
	}
}

func TestGaussianPolicyBackward(t *testing.T) {
	p := zeroPolicy(t, 2, 1)

	x := tensor.New(tensor.WithShape(2, 2),
		tensor.WithBacking([]float64{1, 2, 3, 4}))
	if _, _, err := p.Sample(x); err != nil {
		t.Fatal(err)
	}

	ga := tensor.New(tensor.WithShape(2, 1),
		tensor.WithBacking([]float64{1, 1}))
	if err := p.Backward(ga, 0); err != nil {
		t.Fatal(err)
	}

	// With zero parameters u = eps, so du/dmean scales the upstream
	// action gradient by the tanh derivative alone.
	var wantB float64
	wantW := make([]float64, 2)
	for b := 0; b < 2; b++ {
		a := p.lastAction[b]
		dadu := 1 - a*a
		wantB += dadu
		for j := 0; j < 2; j++ {
			wantW[j] += dadu * x.Data().([]float64)[b*2+j]
		}
	}

	if got := p.meanB.Grad.Data().([]float64)[0]; math.Abs(got-wantB) > 1e-10 {
		t.Errorf("expected mean bias gradient %v, got %v", wantB, got)
	}
	gw := p.meanW.Grad.Data().([]float64)
	for j := range wantW {
		if math.Abs(gw[j]-wantW[j]) > 1e-10 {
			t.Errorf("expected mean weight gradient %v at %v, got %v",
				wantW[j], j, gw[j])
		}
	}
}

func TestGaussianPolicyBackwardRequiresSample(t *testing.T) {
	p := zeroPolicy(t, 2, 1)
	ga := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float64{1}))
	if err := p.Backward(ga, 0); err == nil {
		t.Error("expected an error for Backward without Sample")
	}
}
