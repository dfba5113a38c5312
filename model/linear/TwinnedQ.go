// Package linear implements reference linear-Gaussian function
// approximators for the latent model, policy, and critic. The modules
// compute their own analytic gradients, so no autodiff graph is
// involved; heavier architectures can replace them behind the model
// contracts without touching the trainer.
package linear

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/initwfn"
	"github.com/visuotactile/goslac/model"
)

// TwinnedQ is a twin linear Q-network over (latent, action) pairs.
type TwinnedQ struct {
	zDim      int
	actionDim int

	w1 *model.Learnable // (zDim + actionDim)
	b1 *model.Learnable // scalar
	w2 *model.Learnable
	b2 *model.Learnable

	// Cached inputs of the most recent Forward call
	lastZ      []float64
	lastAction []float64
	lastBatch  int
}

// NewTwinnedQ returns a twin linear critic with weights drawn from
// init.
func NewTwinnedQ(zDim, actionDim int, init *initwfn.InitWFn) (*TwinnedQ, error) {
	if zDim <= 0 || actionDim <= 0 {
		return nil, fmt.Errorf("newTwinnedQ: dimensions must be positive")
	}
	in := zDim + actionDim
	return &TwinnedQ{
		zDim:      zDim,
		actionDim: actionDim,
		w1:        model.NewLearnable("critic.w1", init.Tensor(in)),
		b1:        model.NewLearnable("critic.b1", init.Tensor(1)),
		w2:        model.NewLearnable("critic.w2", init.Tensor(in)),
		b2:        model.NewLearnable("critic.b2", init.Tensor(1)),
	}, nil
}

// Forward evaluates both Q heads on a batch of (latent, action) rows.
func (t *TwinnedQ) Forward(z, action *tensor.Dense) (*tensor.Dense,
	*tensor.Dense, error) {
	zData := z.Data().([]float64)
	aData := action.Data().([]float64)
	if len(zData)%t.zDim != 0 {
		return nil, nil, fmt.Errorf("forward: latent size %v is not a "+
			"multiple of the latent dimension %v", len(zData), t.zDim)
	}
	batch := len(zData) / t.zDim
	if len(aData) != batch*t.actionDim {
		return nil, nil, fmt.Errorf("forward: expected %v action values "+
			"but got %v", batch*t.actionDim, len(aData))
	}

	w1 := t.w1.Value.Data().([]float64)
	w2 := t.w2.Value.Data().([]float64)
	b1 := t.b1.Value.Data().([]float64)[0]
	b2 := t.b2.Value.Data().([]float64)[0]

	q1 := make([]float64, batch)
	q2 := make([]float64, batch)
	for b := 0; b < batch; b++ {
		s1, s2 := b1, b2
		for i := 0; i < t.zDim; i++ {
			s1 += w1[i] * zData[b*t.zDim+i]
			s2 += w2[i] * zData[b*t.zDim+i]
		}
		for i := 0; i < t.actionDim; i++ {
			s1 += w1[t.zDim+i] * aData[b*t.actionDim+i]
			s2 += w2[t.zDim+i] * aData[b*t.actionDim+i]
		}
		q1[b] = s1
		q2[b] = s2
	}

	t.lastZ = zData
	t.lastAction = aData
	t.lastBatch = batch

	return tensor.New(tensor.WithShape(batch), tensor.WithBacking(q1)),
		tensor.New(tensor.WithShape(batch), tensor.WithBacking(q2)), nil
}

// Backward accumulates parameter gradients for the most recent Forward
// call given upstream gradients for each head.
func (t *TwinnedQ) Backward(gradQ1, gradQ2 *tensor.Dense) error {
	if t.lastBatch == 0 {
		return fmt.Errorf("backward: no cached Forward call")
	}
	g1 := gradQ1.Data().([]float64)
	g2 := gradQ2.Data().([]float64)
	if len(g1) != t.lastBatch || len(g2) != t.lastBatch {
		return fmt.Errorf("backward: expected %v upstream gradients but "+
			"got %v and %v", t.lastBatch, len(g1), len(g2))
	}

	gw1 := t.w1.Grad.Data().([]float64)
	gw2 := t.w2.Grad.Data().([]float64)
	gb1 := t.b1.Grad.Data().([]float64)
	gb2 := t.b2.Grad.Data().([]float64)

	for b := 0; b < t.lastBatch; b++ {
		for i := 0; i < t.zDim; i++ {
			gw1[i] += g1[b] * t.lastZ[b*t.zDim+i]
			gw2[i] += g2[b] * t.lastZ[b*t.zDim+i]
		}
		for i := 0; i < t.actionDim; i++ {
			gw1[t.zDim+i] += g1[b] * t.lastAction[b*t.actionDim+i]
			gw2[t.zDim+i] += g2[b] * t.lastAction[b*t.actionDim+i]
		}
		gb1[0] += g1[b]
		gb2[0] += g2[b]
	}
	return nil
}

// ActionGrad returns the gradient of the weighted head outputs with
// respect to the action input of the most recent Forward call.
func (t *TwinnedQ) ActionGrad(gradQ1, gradQ2 *tensor.Dense) (*tensor.Dense,
	error) {
	if t.lastBatch == 0 {
		return nil, fmt.Errorf("actionGrad: no cached Forward call")
	}
	g1 := gradQ1.Data().([]float64)
	g2 := gradQ2.Data().([]float64)
	if len(g1) != t.lastBatch || len(g2) != t.lastBatch {
		return nil, fmt.Errorf("actionGrad: expected %v upstream gradients "+
			"but got %v and %v", t.lastBatch, len(g1), len(g2))
	}

	w1 := t.w1.Value.Data().([]float64)
	w2 := t.w2.Value.Data().([]float64)

	out := make([]float64, t.lastBatch*t.actionDim)
	for b := 0; b < t.lastBatch; b++ {
		for i := 0; i < t.actionDim; i++ {
			out[b*t.actionDim+i] = g1[b]*w1[t.zDim+i] + g2[b]*w2[t.zDim+i]
		}
	}
	return tensor.New(tensor.WithShape(t.lastBatch, t.actionDim),
		tensor.WithBacking(out)), nil
}

// Learnables returns the critic parameters in a stable order.
func (t *TwinnedQ) Learnables() []*model.Learnable {
	return []*model.Learnable{t.w1, t.b1, t.w2, t.b2}
}

// ZeroGrad clears all accumulated parameter gradients.
func (t *TwinnedQ) ZeroGrad() {
	for _, l := range t.Learnables() {
		l.ZeroGrad()
	}
}
