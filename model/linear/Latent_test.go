package linear

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/initwfn"
)

// testLatent returns a small latent model with deterministic,
// non-trivial parameter values.
func testLatent(t *testing.T) *Latent {
	t.Helper()
	init, err := initwfn.NewZeroes()
	if err != nil {
		t.Fatal(err)
	}
	// vision 1x2x2, force 2, action 2, feature 3, z 2
	l, err := NewLatent(1, 2, 2, 2, 3, 2, init, 7)
	if err != nil {
		t.Fatal(err)
	}
	for k, learnable := range l.Learnables() {
		vals := learnable.Value.Data().([]float64)
		for i := range vals {
			vals[i] = 0.1 * math.Sin(float64(3*k+i+1))
		}
	}
	return l
}

// testBatch returns one (batch=1, seq=2) training batch.
func testBatch() (vision, force, actions, rewards, dones *tensor.Dense) {
	vision = tensor.New(tensor.WithShape(1, 2, 1, 2, 2),
		tensor.WithBacking([]float64{
			0.2, -0.4, 0.6, 0.1,
			-0.3, 0.5, 0.0, 0.7,
		}))
	force = tensor.New(tensor.WithShape(1, 2, 2),
		tensor.WithBacking([]float64{0.5, -0.2, 0.01, 0.02}))
	actions = tensor.New(tensor.WithShape(1, 1, 2),
		tensor.WithBacking([]float64{0.3, -0.6}))
	rewards = tensor.New(tensor.WithShape(1, 1),
		tensor.WithBacking([]float64{0.8}))
	dones = tensor.New(tensor.WithShape(1, 1),
		tensor.WithBacking([]float64{0}))
	return vision, force, actions, rewards, dones
}

func TestLatentEncodeShapes(t *testing.T) {
	l := testLatent(t)
	vision, force, _, _, _ := testBatch()

	feature, err := l.Encode(vision, force)
	if err != nil {
		t.Fatal(err)
	}
	s := feature.Shape()
	if s[0] != 1 || s[1] != 2 || s[2] != 3 {
		t.Errorf("expected feature shape (1, 2, 3), got %v", s)
	}
}

func TestLatentEncodeBiasOnly(t *testing.T) {
	init, err := initwfn.NewZeroes()
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLatent(1, 2, 2, 2, 3, 2, init, 7)
	if err != nil {
		t.Fatal(err)
	}
	for i := range l.encB.Value.Data().([]float64) {
		l.encB.Value.Data().([]float64)[i] = 2.5
	}

	vision, force, _, _, _ := testBatch()
	feature, err := l.Encode(vision, force)
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range feature.Data().([]float64) {
		if math.Abs(f-2.5) > 1e-12 {
			t.Errorf("expected bias-only feature 2.5 at %v, got %v", i, f)
		}
	}
}

func TestLatentSamplePosteriorDeterministicPart(t *testing.T) {
	l := testLatent(t)

	// Shrink the posterior noise to nothing so the output is the mean
	logStd := l.postLogStd.Value.Data().([]float64)
	for i := range logStd {
		logStd[i] = -40
	}

	vision, force, actions, _, _ := testBatch()
	feature, err := l.Encode(vision, force)
	if err != nil {
		t.Fatal(err)
	}
	z, err := l.SamplePosterior(feature, actions)
	if err != nil {
		t.Fatal(err)
	}
	if s := z.Shape(); s[0] != 1 || s[1] != 2 || s[2] != 2 {
		t.Fatalf("expected posterior shape (1, 2, 2), got %v", s)
	}

	fData := feature.Data().([]float64)
	aData := actions.Data().([]float64)
	postW := l.postW.Value.Data().([]float64)
	zData := z.Data().([]float64)
	in := 3 + 2

	for step := 0; step < 2; step++ {
		for i := 0; i < 2; i++ {
			want := 0.0
			for j := 0; j < 3; j++ {
				want += postW[i*in+j] * fData[step*3+j]
			}
			// The first timestep conditions on a zero action
			if step > 0 {
				for j := 0; j < 2; j++ {
					want += postW[i*in+3+j] * aData[j]
				}
			}
			got := zData[step*2+i]
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("step %v z[%v]: expected %v, got %v", step, i,
					want, got)
			}
		}
	}
}

func TestLatentLossGradients(t *testing.T) {
	l := testLatent(t)
	vision, force, actions, rewards, dones := testBatch()

	total := func() float64 {
		l.ZeroGrad()
		losses, err := l.Loss(vision, force, actions, rewards, dones, 1.0)
		if err != nil {
			t.Fatal(err)
		}
		return losses.Total()
	}

	l.ZeroGrad()
	if _, err := l.Loss(vision, force, actions, rewards, dones, 1.0); err != nil {
		t.Fatal(err)
	}
	analytic := make(map[string][]float64)
	for _, p := range l.Learnables() {
		grad := p.Grad.Data().([]float64)
		cp := make([]float64, len(grad))
		copy(cp, grad)
		analytic[p.Name] = cp
	}

	// Central finite differences on every parameter element
	const h = 1e-6
	for _, p := range l.Learnables() {
		vals := p.Value.Data().([]float64)
		for i := range vals {
			orig := vals[i]
			vals[i] = orig + h
			plus := total()
			vals[i] = orig - h
			minus := total()
			vals[i] = orig

			numeric := (plus - minus) / (2 * h)
			got := analytic[p.Name][i]
			if math.Abs(got-numeric) > 1e-4*(1+math.Abs(numeric)) {
				t.Errorf("%v[%v]: analytic gradient %v, numeric %v",
					p.Name, i, got, numeric)
			}
		}
	}
}

func TestLatentAlignmentLossMatchesLossTerm(t *testing.T) {
	l := testLatent(t)
	vision, force, actions, rewards, dones := testBatch()

	l.ZeroGrad()
	losses, err := l.Loss(vision, force, actions, rewards, dones, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	l.ZeroGrad()
	align, err := l.AlignmentLoss(vision, force)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(align-losses.Alignment) > 1e-10 {
		t.Errorf("alignment-only loss %v differs from the loss term %v",
			align, losses.Alignment)
	}

	// Only the two encoders receive alignment gradients
	for _, p := range l.Learnables() {
		if p == l.vEnc || p == l.fEnc {
			continue
		}
		for i, g := range p.Grad.Data().([]float64) {
			if g != 0 {
				t.Errorf("%v[%v]: unexpected alignment gradient %v",
					p.Name, i, g)
			}
		}
	}
}

func TestLatentRejectsBadShapes(t *testing.T) {
	l := testLatent(t)
	vision, force, _, _, _ := testBatch()

	badActions := tensor.New(tensor.WithShape(1, 2, 2),
		tensor.WithBacking(make([]float64, 4)))
	feature, err := l.Encode(vision, force)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.SamplePosterior(feature, badActions); err == nil {
		t.Error("expected an error for a mis-sized action sequence")
	}

	badForce := tensor.New(tensor.WithShape(1, 2, 3),
		tensor.WithBacking(make([]float64, 6)))
	if _, err := l.Encode(vision, badForce); err == nil {
		t.Error("expected an error for a mismatched force dimension")
	}
}
