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

// Fraction of the maximum force above which a timestep counts as being
// in contact for the contact-prediction loss.
const contactThreshold = 0.1

// Latent is a linear latent state-space model over vision/force
// histories. The feature path is deterministic; stochasticity enters
// through the learned posterior noise. The reference decoder
// reconstructs frames from the deterministic feature path so that the
// KL term is the only loss touching the posterior parameters.
type Latent struct {
	visionLen  int
	forceDim   int
	featureDim int
	zDim       int
	actionDim  int

	vEnc *model.Learnable // (featureDim, visionLen)
	fEnc *model.Learnable // (featureDim, forceDim)
	encB *model.Learnable // (featureDim)

	postW      *model.Learnable // (zDim, featureDim + actionDim)
	postLogStd *model.Learnable // (zDim)

	decW *model.Learnable // (visionLen, featureDim)

	rewW *model.Learnable // (featureDim + actionDim)
	rewB *model.Learnable // scalar

	ctW *model.Learnable // (featureDim)
	ctB *model.Learnable // scalar

	stdNormal distuv.Normal
}

// NewLatent returns a linear latent model for the given observation
// layout.
func NewLatent(visionChannels, visionSize, forceDim, actionDim, featureDim,
	zDim int, init *initwfn.InitWFn, seed uint64) (*Latent, error) {
	if visionChannels <= 0 || visionSize <= 0 || forceDim <= 0 ||
		actionDim <= 0 || featureDim <= 0 || zDim <= 0 {
		return nil, fmt.Errorf("newLatent: dimensions must be positive")
	}
	visionLen := visionChannels * visionSize * visionSize
	return &Latent{
		visionLen:  visionLen,
		forceDim:   forceDim,
		featureDim: featureDim,
		zDim:       zDim,
		actionDim:  actionDim,

		vEnc: model.NewLearnable("latent.vEnc",
			init.Tensor(featureDim, visionLen)),
		fEnc: model.NewLearnable("latent.fEnc",
			init.Tensor(featureDim, forceDim)),
		encB: model.NewLearnable("latent.encB", init.Tensor(featureDim)),

		postW: model.NewLearnable("latent.postW",
			init.Tensor(zDim, featureDim+actionDim)),
		postLogStd: model.NewLearnable("latent.postLogStd",
			init.Tensor(zDim)),

		decW: model.NewLearnable("latent.decW",
			init.Tensor(visionLen, featureDim)),

		rewW: model.NewLearnable("latent.rewW",
			init.Tensor(featureDim+actionDim)),
		rewB: model.NewLearnable("latent.rewB", init.Tensor(1)),

		ctW: model.NewLearnable("latent.ctW", init.Tensor(featureDim)),
		ctB: model.NewLearnable("latent.ctB", init.Tensor(1)),

		stdNormal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(seed),
		},
	}, nil
}

// FeatureDim reports the encoder output size.
func (l *Latent) FeatureDim() int { return l.featureDim }

// ZDim reports the posterior sample size.
func (l *Latent) ZDim() int { return l.zDim }

// features computes the deterministic feature means for a batch of
// observation histories, returned as a flat (batch*seq*featureDim)
// slice.
func (l *Latent) features(vision, force []float64, steps int) []float64 {
	vEnc := l.vEnc.Value.Data().([]float64)
	fEnc := l.fEnc.Value.Data().([]float64)
	encB := l.encB.Value.Data().([]float64)

	out := make([]float64, steps*l.featureDim)
	for s := 0; s < steps; s++ {
		v := vision[s*l.visionLen : (s+1)*l.visionLen]
		f := force[s*l.forceDim : (s+1)*l.forceDim]
		for i := 0; i < l.featureDim; i++ {
			sum := encB[i]
			for j, vj := range v {
				sum += vEnc[i*l.visionLen+j] * vj
			}
			for j, fj := range f {
				sum += fEnc[i*l.forceDim+j] * fj
			}
			out[s*l.featureDim+i] = sum
		}
	}
	return out
}

// checkObsShape validates a (batch, seq, ...) observation pair and
// returns batch and seq.
func (l *Latent) checkObsShape(op string, vision,
	force *tensor.Dense) (int, int, error) {
	vShape := vision.Shape()
	fShape := force.Shape()
	if len(vShape) < 3 || len(fShape) != 3 {
		return 0, 0, fmt.Errorf("%v: expected batched observation "+
			"histories but got shapes %v and %v", op, vShape, fShape)
	}
	batch, seq := vShape[0], vShape[1]
	if fShape[0] != batch || fShape[1] != seq {
		return 0, 0, fmt.Errorf("%v: vision and force histories disagree: "+
			"%v vs %v", op, vShape, fShape)
	}
	if len(vision.Data().([]float64)) != batch*seq*l.visionLen {
		return 0, 0, fmt.Errorf("%v: vision history has %v values, "+
			"expected %v", op, len(vision.Data().([]float64)),
			batch*seq*l.visionLen)
	}
	if fShape[2] != l.forceDim {
		return 0, 0, fmt.Errorf("%v: force dimension %v does not match "+
			"model dimension %v", op, fShape[2], l.forceDim)
	}
	return batch, seq, nil
}

// Encode maps observation histories to posterior feature samples of
// shape (batch, seq, featureDim).
func (l *Latent) Encode(vision, force *tensor.Dense) (*tensor.Dense, error) {
	batch, seq, err := l.checkObsShape("encode", vision, force)
	if err != nil {
		return nil, err
	}
	fm := l.features(vision.Data().([]float64), force.Data().([]float64),
		batch*seq)
	return tensor.New(tensor.WithShape(batch, seq, l.featureDim),
		tensor.WithBacking(fm)), nil
}

// SamplePosterior draws latent samples conditioned on the previous
// action: z_t ~ N(postW·[feature_t; action_{t-1}], exp(postLogStd)).
// The first timestep conditions on a zero action.
func (l *Latent) SamplePosterior(feature, actions *tensor.Dense) (*tensor.Dense, error) {
	fShape := feature.Shape()
	aShape := actions.Shape()
	if len(fShape) != 3 || fShape[2] != l.featureDim {
		return nil, fmt.Errorf("samplePosterior: bad feature shape %v",
			fShape)
	}
	batch, seq := fShape[0], fShape[1]
	if len(aShape) != 3 || aShape[0] != batch || aShape[1] != seq-1 ||
		aShape[2] != l.actionDim {
		return nil, fmt.Errorf("samplePosterior: expected actions of "+
			"shape (%v, %v, %v) but got %v", batch, seq-1, l.actionDim,
			aShape)
	}

	fData := feature.Data().([]float64)
	aData := actions.Data().([]float64)
	postW := l.postW.Value.Data().([]float64)
	postLogStd := l.postLogStd.Value.Data().([]float64)
	in := l.featureDim + l.actionDim

	out := make([]float64, batch*seq*l.zDim)
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			f := fData[(b*seq+t)*l.featureDim : (b*seq+t+1)*l.featureDim]
			for i := 0; i < l.zDim; i++ {
				sum := 0.0
				for j, fj := range f {
					sum += postW[i*in+j] * fj
				}
				if t > 0 {
					a := aData[(b*(seq-1)+t-1)*l.actionDim : (b*(seq-1)+t)*l.actionDim]
					for j, aj := range a {
						sum += postW[i*in+l.featureDim+j] * aj
					}
				}
				std := math.Exp(postLogStd[i])
				out[(b*seq+t)*l.zDim+i] = sum + std*l.stdNormal.Rand()
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, seq, l.zDim),
		tensor.WithBacking(out)), nil
}

// Loss computes the five latent loss terms on one batch and
// accumulates parameter gradients for their sum. vision and force
// cover seq = seqLen+1 observations; actions, rewards, and dones cover
// the seqLen transitions between them.
func (l *Latent) Loss(vision, force, actions, rewards, dones *tensor.Dense,
	maxForce float64) (model.LatentLosses, error) {
	batch, seq, err := l.checkObsShape("loss", vision, force)
	if err != nil {
		return model.LatentLosses{}, err
	}
	aShape := actions.Shape()
	if len(aShape) != 3 || aShape[0] != batch || aShape[1] != seq-1 ||
		aShape[2] != l.actionDim {
		return model.LatentLosses{}, fmt.Errorf("loss: expected actions "+
			"of shape (%v, %v, %v) but got %v", batch, seq-1, l.actionDim,
			aShape)
	}

	vData := vision.Data().([]float64)
	fData := force.Data().([]float64)
	aData := actions.Data().([]float64)
	rData := rewards.Data().([]float64)

	steps := batch * seq
	fm := l.features(vData, fData, steps)

	vEncVal := l.vEnc.Value.Data().([]float64)
	fEncVal := l.fEnc.Value.Data().([]float64)
	postWVal := l.postW.Value.Data().([]float64)
	postLogStdVal := l.postLogStd.Value.Data().([]float64)
	decWVal := l.decW.Value.Data().([]float64)
	rewWVal := l.rewW.Value.Data().([]float64)
	rewBVal := l.rewB.Value.Data().([]float64)[0]
	ctWVal := l.ctW.Value.Data().([]float64)
	ctBVal := l.ctB.Value.Data().([]float64)[0]

	gVEnc := l.vEnc.Grad.Data().([]float64)
	gFEnc := l.fEnc.Grad.Data().([]float64)
	gEncB := l.encB.Grad.Data().([]float64)
	gPostW := l.postW.Grad.Data().([]float64)
	gPostLogStd := l.postLogStd.Grad.Data().([]float64)
	gDecW := l.decW.Grad.Data().([]float64)
	gRewW := l.rewW.Grad.Data().([]float64)
	gRewB := l.rewB.Grad.Data().([]float64)
	gCtW := l.ctW.Grad.Data().([]float64)
	gCtB := l.ctB.Grad.Data().([]float64)

	in := l.featureDim + l.actionDim
	seqLen := seq - 1

	var losses model.LatentLosses

	// gFm accumulates d(total)/d(feature) per step so the encoder
	// gradients are applied once at the end.
	gFm := make([]float64, steps*l.featureDim)

	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			s := b*seq + t
			f := fm[s*l.featureDim : (s+1)*l.featureDim]
			v := vData[s*l.visionLen : (s+1)*l.visionLen]
			fr := fData[s*l.forceDim : (s+1)*l.forceDim]
			gf := gFm[s*l.featureDim : (s+1)*l.featureDim]

			// KL divergence of the posterior against a unit Gaussian
			for i := 0; i < l.zDim; i++ {
				pm := 0.0
				for j, fj := range f {
					pm += postWVal[i*in+j] * fj
				}
				if t > 0 {
					a := aData[(b*seqLen+t-1)*l.actionDim : (b*seqLen+t)*l.actionDim]
					for j, aj := range a {
						pm += postWVal[i*in+l.featureDim+j] * aj
					}
				}
				std := math.Exp(postLogStdVal[i])
				losses.KLD += 0.5 * (pm*pm + std*std - 1 -
					2*postLogStdVal[i])

				gpm := pm / float64(steps)
				for j, fj := range f {
					gPostW[i*in+j] += gpm * fj
					gf[j] += gpm * postWVal[i*in+j]
				}
				if t > 0 {
					a := aData[(b*seqLen+t-1)*l.actionDim : (b*seqLen+t)*l.actionDim]
					for j, aj := range a {
						gPostW[i*in+l.featureDim+j] += gpm * aj
					}
				}
				gPostLogStd[i] += (std*std - 1) / float64(steps)
			}

			// Image reconstruction from the feature path
			scale := 1 / float64(steps*l.visionLen)
			for j := 0; j < l.visionLen; j++ {
				recon := 0.0
				for k, fk := range f {
					recon += decWVal[j*l.featureDim+k] * fk
				}
				diff := recon - v[j]
				losses.Image += diff * diff
				gr := 2 * diff * scale
				for k, fk := range f {
					gDecW[j*l.featureDim+k] += gr * fk
					gf[k] += gr * decWVal[j*l.featureDim+k]
				}
			}

			// Action-conditioned reward prediction
			if t < seqLen {
				a := aData[(b*seqLen+t)*l.actionDim : (b*seqLen+t+1)*l.actionDim]
				pred := rewBVal
				for j, fj := range f {
					pred += rewWVal[j] * fj
				}
				for j, aj := range a {
					pred += rewWVal[l.featureDim+j] * aj
				}
				diff := pred - rData[b*seqLen+t]
				losses.Reward += diff * diff
				gr := 2 * diff / float64(batch*seqLen)
				for j, fj := range f {
					gRewW[j] += gr * fj
					gf[j] += gr * rewWVal[j]
				}
				for j, aj := range a {
					gRewW[l.featureDim+j] += gr * aj
				}
				gRewB[0] += gr
			}

			// Cross-modal alignment between vision-only and force-only
			// embeddings
			alignScale := 1 / float64(steps*l.featureDim)
			for i := 0; i < l.featureDim; i++ {
				ve := 0.0
				for j, vj := range v {
					ve += vEncVal[i*l.visionLen+j] * vj
				}
				fe := 0.0
				for j, fj := range fr {
					fe += fEncVal[i*l.forceDim+j] * fj
				}
				diff := ve - fe
				losses.Alignment += diff * diff
				ga := 2 * diff * alignScale
				for j, vj := range v {
					gVEnc[i*l.visionLen+j] += ga * vj
				}
				for j, fj := range fr {
					gFEnc[i*l.forceDim+j] -= ga * fj
				}
			}

			// Contact prediction from the force magnitude
			var mag float64
			for _, fj := range fr {
				mag += fj * fj
			}
			target := 0.0
			if math.Sqrt(mag) > contactThreshold*maxForce {
				target = 1
			}
			logit := ctBVal
			for j, fj := range f {
				logit += ctWVal[j] * fj
			}
			prob := 1 / (1 + math.Exp(-logit))
			losses.Contact += -target*math.Log(prob+1e-12) -
				(1-target)*math.Log(1-prob+1e-12)
			gl := (prob - target) / float64(steps)
			for j, fj := range f {
				gCtW[j] += gl * fj
				gf[j] += gl * ctWVal[j]
			}
			gCtB[0] += gl
		}
	}

	// Chain the accumulated feature gradients into the encoders
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			s := b*seq + t
			v := vData[s*l.visionLen : (s+1)*l.visionLen]
			fr := fData[s*l.forceDim : (s+1)*l.forceDim]
			gf := gFm[s*l.featureDim : (s+1)*l.featureDim]
			for i, g := range gf {
				for j, vj := range v {
					gVEnc[i*l.visionLen+j] += g * vj
				}
				for j, fj := range fr {
					gFEnc[i*l.forceDim+j] += g * fj
				}
				gEncB[i] += g
			}
		}
	}

	losses.KLD /= float64(steps)
	losses.Image /= float64(steps * l.visionLen)
	losses.Reward /= float64(batch * seqLen)
	losses.Alignment /= float64(steps * l.featureDim)
	losses.Contact /= float64(steps)

	return losses, nil
}

// AlignmentLoss recomputes only the cross-modal alignment term and
// accumulates its gradient alone.
func (l *Latent) AlignmentLoss(vision, force *tensor.Dense) (float64, error) {
	batch, seq, err := l.checkObsShape("alignmentLoss", vision, force)
	if err != nil {
		return 0, err
	}
	vData := vision.Data().([]float64)
	fData := force.Data().([]float64)

	vEncVal := l.vEnc.Value.Data().([]float64)
	fEncVal := l.fEnc.Value.Data().([]float64)
	gVEnc := l.vEnc.Grad.Data().([]float64)
	gFEnc := l.fEnc.Grad.Data().([]float64)

	steps := batch * seq
	scale := 1 / float64(steps*l.featureDim)

	var loss float64
	for s := 0; s < steps; s++ {
		v := vData[s*l.visionLen : (s+1)*l.visionLen]
		fr := fData[s*l.forceDim : (s+1)*l.forceDim]
		for i := 0; i < l.featureDim; i++ {
			ve := 0.0
			for j, vj := range v {
				ve += vEncVal[i*l.visionLen+j] * vj
			}
			fe := 0.0
			for j, fj := range fr {
				fe += fEncVal[i*l.forceDim+j] * fj
			}
			diff := ve - fe
			loss += diff * diff
			ga := 2 * diff * scale
			for j, vj := range v {
				gVEnc[i*l.visionLen+j] += ga * vj
			}
			for j, fj := range fr {
				gFEnc[i*l.forceDim+j] -= ga * fj
			}
		}
	}
	return loss * scale, nil
}

// Learnables returns the latent parameters in a stable order.
func (l *Latent) Learnables() []*model.Learnable {
	return []*model.Learnable{
		l.vEnc, l.fEnc, l.encB,
		l.postW, l.postLogStd,
		l.decW,
		l.rewW, l.rewB,
		l.ctW, l.ctB,
	}
}

// ZeroGrad clears all accumulated parameter gradients.
func (l *Latent) ZeroGrad() {
	for _, learnable := range l.Learnables() {
		learnable.ZeroGrad()
	}
}
