package linear

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/initwfn"
	"github.com/visuotactile/goslac/model"
)

// Epsilon added inside the tanh-squashing log-density correction to
// avoid log(0) at saturated actions.
const squashEps = 1e-6

// GaussianPolicy is a linear squashed-Gaussian policy: the mean is a
// linear map of the conditioning feature, the standard deviation a
// state-independent learned parameter, and samples are passed through
// tanh so actions stay inside [-1, 1].
type GaussianPolicy struct {
	featureDim int
	actionDim  int

	meanW  *model.Learnable // (actionDim, featureDim)
	meanB  *model.Learnable // (actionDim)
	logStd *model.Learnable // (actionDim)

	stdNormal distuv.Normal

	// Caches from the most recent Sample call, needed for the
	// reparameterized backward pass.
	lastFeature []float64
	lastEps     []float64
	lastAction  []float64
	lastBatch   int
}

// NewGaussianPolicy returns a linear squashed-Gaussian policy.
func NewGaussianPolicy(featureDim, actionDim int, init *initwfn.InitWFn,
	seed uint64) (*GaussianPolicy, error) {
	if featureDim <= 0 || actionDim <= 0 {
		return nil, fmt.Errorf("newGaussianPolicy: dimensions must be " +
			"positive")
	}
	return &GaussianPolicy{
		featureDim: featureDim,
		actionDim:  actionDim,
		meanW: model.NewLearnable("actor.meanW",
			init.Tensor(actionDim, featureDim)),
		meanB:  model.NewLearnable("actor.meanB", init.Tensor(actionDim)),
		logStd: model.NewLearnable("actor.logStd", init.Tensor(actionDim)),
		stdNormal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(seed),
		},
	}, nil
}

// Sample draws squashed actions and their log-probabilities for a
// batch of conditioning features of shape (batch, featureDim).
func (p *GaussianPolicy) Sample(featureAction *tensor.Dense) (*tensor.Dense,
	*tensor.Dense, error) {
	x := featureAction.Data().([]float64)
	if len(x)%p.featureDim != 0 {
		return nil, nil, fmt.Errorf("sample: feature size %v is not a "+
			"multiple of the conditioning dimension %v", len(x), p.featureDim)
	}
	batch := len(x) / p.featureDim

	meanW := p.meanW.Value.Data().([]float64)
	meanB := p.meanB.Value.Data().([]float64)
	logStd := p.logStd.Value.Data().([]float64)

	actions := make([]float64, batch*p.actionDim)
	logPi := make([]float64, batch)
	eps := make([]float64, batch*p.actionDim)

	halfLog2Pi := 0.5 * math.Log(2*math.Pi)

	for b := 0; b < batch; b++ {
		var lp float64
		for i := 0; i < p.actionDim; i++ {
			mean := meanB[i]
			for j := 0; j < p.featureDim; j++ {
				mean += meanW[i*p.featureDim+j] * x[b*p.featureDim+j]
			}
			std := math.Exp(logStd[i])
			e := p.stdNormal.Rand()
			u := mean + std*e
			a := math.Tanh(u)

			eps[b*p.actionDim+i] = e
			actions[b*p.actionDim+i] = a

			lp += -0.5*e*e - logStd[i] - halfLog2Pi -
				math.Log(1-a*a+squashEps)
		}
		logPi[b] = lp
	}

	p.lastFeature = x
	p.lastEps = eps
	p.lastAction = actions
	p.lastBatch = batch

	return tensor.New(tensor.WithShape(batch, p.actionDim),
			tensor.WithBacking(actions)),
		tensor.New(tensor.WithShape(batch), tensor.WithBacking(logPi)), nil
}

// Backward accumulates parameter gradients for the most recent Sample
// call. gradAction holds upstream gradients with respect to the
// sampled actions; gradLogPi is the uniform upstream gradient with
// respect to each sample's log-probability. The pass is
// reparameterized: the cached noise is treated as a constant.
func (p *GaussianPolicy) Backward(gradAction *tensor.Dense,
	gradLogPi float64) error {
	if p.lastBatch == 0 {
		return fmt.Errorf("backward: no cached Sample call")
	}
	ga := gradAction.Data().([]float64)
	if len(ga) != p.lastBatch*p.actionDim {
		return fmt.Errorf("backward: expected %v upstream action "+
			"gradients but got %v", p.lastBatch*p.actionDim, len(ga))
	}

	gMeanW := p.meanW.Grad.Data().([]float64)
	gMeanB := p.meanB.Grad.Data().([]float64)
	gLogStd := p.logStd.Grad.Data().([]float64)
	logStd := p.logStd.Value.Data().([]float64)

	for b := 0; b < p.lastBatch; b++ {
		for i := 0; i < p.actionDim; i++ {
			a := p.lastAction[b*p.actionDim+i]
			e := p.lastEps[b*p.actionDim+i]
			std := math.Exp(logStd[i])
			dadu := 1 - a*a

			// d logPi / du through the squashing correction term
			dlpdu := 2 * a * dadu / (dadu + squashEps)

			// Combined gradient with respect to the pre-squash sample
			gu := ga[b*p.actionDim+i]*dadu + gradLogPi*dlpdu

			for j := 0; j < p.featureDim; j++ {
				gMeanW[i*p.featureDim+j] += gu * p.lastFeature[b*p.featureDim+j]
			}
			gMeanB[i] += gu

			// u = mean + exp(logStd)*eps, plus the explicit -logStd
			// term of the log-density
			gLogStd[i] += gu*std*e - gradLogPi
		}
	}
	return nil
}

// Learnables returns the policy parameters in a stable order.
func (p *GaussianPolicy) Learnables() []*model.Learnable {
	return []*model.Learnable{p.meanW, p.meanB, p.logStd}
}

// ZeroGrad clears all accumulated parameter gradients.
func (p *GaussianPolicy) ZeroGrad() {
	for _, l := range p.Learnables() {
		l.ZeroGrad()
	}
}
