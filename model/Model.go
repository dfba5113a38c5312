// Package model defines the contracts between the training stack and
// its learned function approximators. The latent model, policy, and
// critic are opaque differentiable modules: the trainer only sees
// forward evaluations, explicit backward hooks, and parameter lists.
package model

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/utils/tensorutils"
)

// Learnable is one named parameter tensor paired with its accumulated
// gradient. Solvers update Value in place from Grad.
type Learnable struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense
}

// NewLearnable returns a Learnable wrapping value with a zero-valued
// gradient of the same shape.
func NewLearnable(name string, value *tensor.Dense) *Learnable {
	return &Learnable{Name: name, Value: value,
		Grad: tensorutils.ZerosLike(value)}
}

// ZeroGrad clears the accumulated gradient.
func (l *Learnable) ZeroGrad() {
	data := l.Grad.Data().([]float64)
	for i := range data {
		data[i] = 0
	}
}

// Module is the common surface of every learned component.
type Module interface {
	// Learnables returns the module's parameters in a stable order.
	Learnables() []*Learnable

	// ZeroGrad clears all accumulated parameter gradients.
	ZeroGrad()
}

// LatentLosses holds the individual terms of the latent model loss.
// All terms contribute to the same optimizer step; they are kept
// separate for logging only.
type LatentLosses struct {
	KLD       float64
	Image     float64
	Reward    float64
	Alignment float64
	Contact   float64
}

// Total returns the scalar the latent optimizer minimizes.
func (l LatentLosses) Total() float64 {
	return l.KLD + l.Image + l.Reward + l.Alignment + l.Contact
}

// LatentModel compresses multimodal observation history into a compact
// state representation.
type LatentModel interface {
	Module

	// Encode maps a vision history (batch, seq, channels, h, w) and a
	// force history (batch, seq, forceDim) to posterior feature
	// samples of shape (batch, seq, featureDim). No gradients are
	// recorded.
	Encode(vision, force *tensor.Dense) (*tensor.Dense, error)

	// SamplePosterior draws latent posterior samples conditioned on an
	// action sequence. feature has shape (batch, seq, featureDim) and
	// actions (batch, seq-1, actionDim); the result has shape
	// (batch, seq, zDim).
	SamplePosterior(feature, actions *tensor.Dense) (*tensor.Dense, error)

	// Loss computes every latent loss term on one batch and
	// accumulates parameter gradients for their sum. maxForce is the
	// normalization scale for the contact target.
	Loss(vision, force, actions, rewards, dones *tensor.Dense,
		maxForce float64) (LatentLosses, error)

	// AlignmentLoss recomputes only the cross-modal alignment term and
	// accumulates its gradient alone.
	AlignmentLoss(vision, force *tensor.Dense) (float64, error)

	// FeatureDim and ZDim report the encoder output sizes.
	FeatureDim() int
	ZDim() int
}

// Policy is a stochastic policy over normalized [-1, 1] actions.
type Policy interface {
	Module

	// Sample draws actions and their log-probabilities for a batch of
	// feature-action conditioning vectors. Both outputs have the batch
	// size as their leading dimension; logPi has one column.
	Sample(featureAction *tensor.Dense) (action, logPi *tensor.Dense, err error)

	// Backward accumulates parameter gradients for the most recent
	// Sample call, given upstream gradients with respect to the
	// sampled actions and, uniformly per sample, the log-probability.
	Backward(gradAction *tensor.Dense, gradLogPi float64) error
}

// Critic is a twinned Q-network.
type Critic interface {
	Module

	// Forward evaluates both Q heads on (latent, action) pairs. Each
	// output is a vector with one entry per batch row.
	Forward(z, action *tensor.Dense) (q1, q2 *tensor.Dense, err error)

	// Backward accumulates parameter gradients for the most recent
	// Forward call given upstream gradients for each head.
	Backward(gradQ1, gradQ2 *tensor.Dense) error

	// ActionGrad returns the gradient of the most recent Forward call
	// with respect to its action input, weighted by the given upstream
	// head gradients. No parameter gradients are touched.
	ActionGrad(gradQ1, gradQ2 *tensor.Dense) (*tensor.Dense, error)
}

// Weights is an ordered export of the parameter state of the latent,
// actor, and critic models.
type Weights struct {
	Latent []*tensor.Dense
	Actor  []*tensor.Dense
	Critic []*tensor.Dense
}

// ExportLearnables deep-copies the parameter values of a module.
func ExportLearnables(m Module) []*tensor.Dense {
	learnables := m.Learnables()
	out := make([]*tensor.Dense, len(learnables))
	for i, l := range learnables {
		out[i] = tensorutils.Clone(l.Value)
	}
	return out
}

// ImportLearnables copies previously exported values back into a
// module's parameters.
func ImportLearnables(m Module, values []*tensor.Dense) error {
	learnables := m.Learnables()
	if len(values) != len(learnables) {
		return fmt.Errorf("importLearnables: expected %v parameter "+
			"tensors but got %v", len(learnables), len(values))
	}
	for i, l := range learnables {
		src := values[i].Data().([]float64)
		dst := l.Value.Data().([]float64)
		if len(src) != len(dst) {
			return fmt.Errorf("importLearnables: parameter %v has %v "+
				"elements but %v were provided", l.Name, len(dst), len(src))
		}
		copy(dst, src)
	}
	return nil
}

// Polyak moves every target parameter toward its live counterpart:
// target = tau*live + (1-tau)*target. The two modules must have
// identically shaped parameter lists.
func Polyak(target, live Module, tau float64) error {
	targetParams := target.Learnables()
	liveParams := live.Learnables()
	if len(targetParams) != len(liveParams) {
		return fmt.Errorf("polyak: mismatched parameter counts %v and %v",
			len(targetParams), len(liveParams))
	}
	for i := range targetParams {
		dst := targetParams[i].Value.Data().([]float64)
		src := liveParams[i].Value.Data().([]float64)
		if len(dst) != len(src) {
			return fmt.Errorf("polyak: parameter %v has mismatched sizes "+
				"%v and %v", targetParams[i].Name, len(dst), len(src))
		}
		for j := range dst {
			dst[j] = tau*src[j] + (1-tau)*dst[j]
		}
	}
	return nil
}
