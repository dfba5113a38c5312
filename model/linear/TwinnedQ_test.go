package linear

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/initwfn"
)

func constantCritic(t *testing.T, zDim, actionDim int, c float64) *TwinnedQ {
	t.Helper()
	init, err := initwfn.NewConstant(c)
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewTwinnedQ(zDim, actionDim, init)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestTwinnedQForward(t *testing.T) {
	q := constantCritic(t, 2, 1, 0.5)

	z := tensor.New(tensor.WithShape(1, 2),
		tensor.WithBacking([]float64{1, 2}))
	a := tensor.New(tensor.WithShape(1, 1),
		tensor.WithBacking([]float64{3}))

	q1, q2, err := q.Forward(z, a)
	if err != nil {
		t.Fatal(err)
	}

	// 0.5*(1 + 2 + 3) + 0.5 on both heads
	want := 3.5
	if got := q1.Data().([]float64)[0]; math.Abs(got-want) > 1e-12 {
		t.Errorf("expected q1 = %v, got %v", want, got)
	}
	if got := q2.Data().([]float64)[0]; math.Abs(got-want) > 1e-12 {
		t.Errorf("expected q2 = %v, got %v", want, got)
	}
}

func TestTwinnedQBackward(t *testing.T) {
	q := constantCritic(t, 2, 1, 0.5)

	z := tensor.New(tensor.WithShape(1, 2),
		tensor.WithBacking([]float64{1, 2}))
	a := tensor.New(tensor.WithShape(1, 1),
		tensor.WithBacking([]float64{3}))
	if _, _, err := q.Forward(z, a); err != nil {
		t.Fatal(err)
	}

	g1 := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1}))
	g2 := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{2}))
	if err := q.Backward(g1, g2); err != nil {
		t.Fatal(err)
	}

	// Gradient of a linear head is the input scaled by the upstream
	// gradient
	wantW1 := []float64{1, 2, 3}
	gw1 := q.w1.Grad.Data().([]float64)
	for i := range wantW1 {
		if math.Abs(gw1[i]-wantW1[i]) > 1e-12 {
			t.Errorf("expected w1 gradient %v at %v, got %v", wantW1[i], i,
				gw1[i])
		}
	}
	wantW2 := []float64{2, 4, 6}
	gw2 := q.w2.Grad.Data().([]float64)
	for i := range wantW2 {
		if math.Abs(gw2[i]-wantW2[i]) > 1e-12 {
			t.Errorf("expected w2 gradient %v at %v, got %v", wantW2[i], i,
				gw2[i])
		}
	}
	if got := q.b1.Grad.Data().([]float64)[0]; got != 1 {
		t.Errorf("expected b1 gradient 1, got %v", got)
	}
	if got := q.b2.Grad.Data().([]float64)[0]; got != 2 {
		t.Errorf("expected b2 gradient 2, got %v", got)
	}
}

func TestTwinnedQActionGrad(t *testing.T) {
	q := constantCritic(t, 2, 2, 0.5)

	z := tensor.New(tensor.WithShape(1, 2),
		tensor.WithBacking([]float64{1, 2}))
	a := tensor.New(tensor.WithShape(1, 2),
		tensor.WithBacking([]float64{3, 4}))
	if _, _, err := q.Forward(z, a); err != nil {
		t.Fatal(err)
	}

	g1 := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1}))
	g2 := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1}))
	grad, err := q.ActionGrad(g1, g2)
	if err != nil {
		t.Fatal(err)
	}

	// Both heads contribute their action weights
	data := grad.Data().([]float64)
	for i, g := range data {
		if math.Abs(g-1.0) > 1e-12 {
			t.Errorf("expected action gradient 1 at %v, got %v", i, g)
		}
	}

	// ActionGrad leaves parameter gradients untouched
	for _, l := range q.Learnables() {
		for i, g := range l.Grad.Data().([]float64) {
			if g != 0 {
				t.Errorf("parameter %v gradient %v modified: %v", l.Name,
					i, g)
			}
		}
	}
}

func TestTwinnedQRequiresForward(t *testing.T) {
	q := constantCritic(t, 2, 1, 0.5)

	g := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1}))
	if err := q.Backward(g, g); err == nil {
		t.Error("expected an error for Backward without Forward")
	}
	if _, err := q.ActionGrad(g, g); err == nil {
		t.Error("expected an error for ActionGrad without Forward")
	}
}
