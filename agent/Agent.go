// Package agent implements the acting side of the training stack: it
// maintains rolling observation histories for every parallel
// environment, conditions the policy on the encoded history, and maps
// between normalized [-1, 1] policy actions and the workspace action
// scale.
package agent

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/history"
	"github.com/visuotactile/goslac/model"
	"github.com/visuotactile/goslac/timestep"
	"github.com/visuotactile/goslac/utils/floatutils"
)

// Agent turns raw environment observations into environment actions.
// It owns one observation window per parallel environment slot and is
// not safe for concurrent use.
type Agent struct {
	conf    config.Config
	numEnvs int

	latent model.LatentModel
	policy model.Policy

	visionHist *history.Window // seqLen frames, cropped
	forceHist  *history.Window // seqLen normalized wrench readings
	actionHist *history.Window // seqLen-1 previous normalized actions
}

// New returns an Agent acting in numEnvs parallel environments with
// the given latent model and policy.
func New(conf config.Config, numEnvs int, latent model.LatentModel,
	policy model.Policy) (*Agent, error) {
	if numEnvs <= 0 {
		return nil, fmt.Errorf("new: numEnvs must be > 0")
	}

	visionHist, err := history.NewWindow(numEnvs, conf.SeqLen,
		conf.VisionChannels, conf.VisionSize, conf.VisionSize)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	forceHist, err := history.NewWindow(numEnvs, conf.SeqLen, conf.ForceDim)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	actionHist, err := history.NewWindow(numEnvs, conf.SeqLen-1,
		conf.ActionDim)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	return &Agent{
		conf:       conf,
		numEnvs:    numEnvs,
		latent:     latent,
		policy:     policy,
		visionHist: visionHist,
		forceHist:  forceHist,
		actionHist: actionHist,
	}, nil
}

// NumEnvs returns the number of parallel environment slots.
func (a *Agent) NumEnvs() int { return a.numEnvs }

// Reset zeroes the observation and action histories of every
// environment slot.
func (a *Agent) Reset() {
	a.visionHist.Reset()
	a.forceHist.Reset()
	a.actionHist.Reset()
}

// ResetEpisode zeroes the histories of a single environment slot,
// called when that environment's episode ends.
func (a *Agent) ResetEpisode(env int) error {
	if err := a.visionHist.ResetEnv(env); err != nil {
		return fmt.Errorf("resetEpisode: %v", err)
	}
	if err := a.forceHist.ResetEnv(env); err != nil {
		return fmt.Errorf("resetEpisode: %v", err)
	}
	if err := a.actionHist.ResetEnv(env); err != nil {
		return fmt.Errorf("resetEpisode: %v", err)
	}
	return nil
}

// PreprocessObservation returns an observation in the form the
// learning stack stores and consumes: the vision frame center-cropped
// to the model input size and the newest wrench reading normalized by
// the maximum force. State and proprioception pass through unchanged.
func (a *Agent) PreprocessObservation(o timestep.Observation) (timestep.Observation, error) {
	cropped, err := a.cropVision(o.Vision)
	if err != nil {
		return timestep.Observation{}, fmt.Errorf("preprocessObservation: %v", err)
	}
	force, err := a.latestForce(o.Force)
	if err != nil {
		return timestep.Observation{}, fmt.Errorf("preprocessObservation: %v", err)
	}
	return timestep.Observation{
		State: o.State,
		Vision: tensor.New(tensor.WithShape(a.conf.VisionChannels,
			a.conf.VisionSize, a.conf.VisionSize),
			tensor.WithBacking(cropped)),
		Force: tensor.New(tensor.WithShape(1, a.conf.ForceDim),
			tensor.WithBacking(force)),
		Proprio: o.Proprio,
	}, nil
}

// GetAction observes the latest timestep of every environment slot and
// samples one normalized action per slot. It returns the normalized
// actions alongside their workspace-scale decoding. The evaluate flag
// is accepted for parity with evaluation rollouts; the stochastic
// policy is sampled in both modes.
func (a *Agent) GetAction(obs []timestep.Observation,
	evaluate bool) (unscaled, scaled []mat.Vector, err error) {
	if _, _, err := a.appendObservations(obs); err != nil {
		return nil, nil, fmt.Errorf("getAction: %v", err)
	}

	feature, err := a.latent.Encode(a.visionHist.Ordered(),
		a.forceHist.Ordered())
	if err != nil {
		return nil, nil, fmt.Errorf("getAction: %v", err)
	}

	cond := a.conditioning(feature)
	actions, _, err := a.policy.Sample(cond)
	if err != nil {
		return nil, nil, fmt.Errorf("getAction: %v", err)
	}
	if err := a.actionHist.Append(actions); err != nil {
		return nil, nil, fmt.Errorf("getAction: %v", err)
	}

	data := actions.Data().([]float64)
	unscaled = make([]mat.Vector, a.numEnvs)
	scaled = make([]mat.Vector, a.numEnvs)
	for e := 0; e < a.numEnvs; e++ {
		row := make([]float64, a.conf.ActionDim)
		copy(row, data[e*a.conf.ActionDim:(e+1)*a.conf.ActionDim])
		u := mat.NewVecDense(a.conf.ActionDim, row)
		unscaled[e] = u
		scaled[e] = a.DecodeActions(u)
	}
	return unscaled, scaled, nil
}

// conditioning flattens the feature history and the previous-action
// history of every environment slot into the policy input, of shape
// (numEnvs, seqLen*featureDim + (seqLen-1)*actionDim).
func (a *Agent) conditioning(feature *tensor.Dense) *tensor.Dense {
	fData := feature.Data().([]float64)
	aData := a.actionHist.Ordered().Data().([]float64)

	fLen := a.conf.SeqLen * a.latent.FeatureDim()
	aLen := (a.conf.SeqLen - 1) * a.conf.ActionDim
	out := make([]float64, a.numEnvs*(fLen+aLen))
	for e := 0; e < a.numEnvs; e++ {
		row := out[e*(fLen+aLen) : (e+1)*(fLen+aLen)]
		copy(row[:fLen], fData[e*fLen:(e+1)*fLen])
		copy(row[fLen:], aData[e*aLen:(e+1)*aLen])
	}
	return tensor.New(tensor.WithShape(a.numEnvs, fLen+aLen),
		tensor.WithBacking(out))
}

// appendObservations preprocesses one observation per environment slot
// and appends the results to the vision and force windows. It returns
// the preprocessed batch tensors.
func (a *Agent) appendObservations(obs []timestep.Observation) (vision,
	force *tensor.Dense, err error) {
	if len(obs) != a.numEnvs {
		return nil, nil, fmt.Errorf("expected %v observations but got %v",
			a.numEnvs, len(obs))
	}

	visionLen := a.conf.VisionChannels * a.conf.VisionSize * a.conf.VisionSize
	vData := make([]float64, a.numEnvs*visionLen)
	fData := make([]float64, a.numEnvs*a.conf.ForceDim)
	for e, o := range obs {
		cropped, err := a.cropVision(o.Vision)
		if err != nil {
			return nil, nil, err
		}
		copy(vData[e*visionLen:(e+1)*visionLen], cropped)

		normalized, err := a.latestForce(o.Force)
		if err != nil {
			return nil, nil, err
		}
		copy(fData[e*a.conf.ForceDim:(e+1)*a.conf.ForceDim], normalized)
	}

	vision = tensor.New(tensor.WithShape(a.numEnvs, a.conf.VisionChannels,
		a.conf.VisionSize, a.conf.VisionSize), tensor.WithBacking(vData))
	force = tensor.New(tensor.WithShape(a.numEnvs, a.conf.ForceDim),
		tensor.WithBacking(fData))

	if err := a.visionHist.Append(vision); err != nil {
		return nil, nil, err
	}
	if err := a.forceHist.Append(force); err != nil {
		return nil, nil, err
	}
	return vision, force, nil
}

// cropVision center-crops a raw (channels, 2*size, 2*size) frame down
// to the model's (channels, size, size) input.
func (a *Agent) cropVision(frame *tensor.Dense) ([]float64, error) {
	size := a.conf.VisionSize
	raw := 2 * size
	shape := frame.Shape()
	if len(shape) != 3 || shape[0] != a.conf.VisionChannels ||
		shape[1] != raw || shape[2] != raw {
		return nil, fmt.Errorf("expected raw frame of shape (%v, %v, %v) "+
			"but got %v", a.conf.VisionChannels, raw, raw, shape)
	}

	data := frame.Data().([]float64)
	offset := size / 2
	out := make([]float64, a.conf.VisionChannels*size*size)
	for c := 0; c < a.conf.VisionChannels; c++ {
		for i := 0; i < size; i++ {
			srcRow := c*raw*raw + (i+offset)*raw + offset
			dstRow := c*size*size + i*size
			copy(out[dstRow:dstRow+size], data[srcRow:srcRow+size])
		}
	}
	return out, nil
}

// latestForce extracts the newest row of a (history, forceDim) wrench
// tensor, normalized by the maximum force.
func (a *Agent) latestForce(force *tensor.Dense) ([]float64, error) {
	shape := force.Shape()
	if len(shape) != 2 || shape[1] != a.conf.ForceDim {
		return nil, fmt.Errorf("expected force history with %v columns "+
			"but got shape %v", a.conf.ForceDim, shape)
	}
	data := force.Data().([]float64)
	last := data[(shape[0]-1)*a.conf.ForceDim:]
	out := make([]float64, a.conf.ForceDim)
	for i, f := range last {
		out[i] = f / a.conf.MaxForce
	}
	return out, nil
}

// actionRange returns the workspace bounds of one action component.
// The gripper command occupies the first component, the rotational
// delta the last, and the positional deltas everything between.
func (a *Agent) actionRange(i int) r1.Interval {
	switch {
	case i == 0:
		return r1.Interval{Min: 0, Max: 1}
	case i == a.conf.ActionDim-1:
		return r1.Interval{Min: -a.conf.DRot, Max: a.conf.DRot}
	default:
		return r1.Interval{Min: -a.conf.DPos, Max: a.conf.DPos}
	}
}

// DecodeActions maps a normalized [-1, 1] action to the workspace
// action scale.
func (a *Agent) DecodeActions(unscaled mat.Vector) mat.Vector {
	out := mat.NewVecDense(a.conf.ActionDim, nil)
	for i := 0; i < a.conf.ActionDim; i++ {
		iv := a.actionRange(i)
		out.SetVec(i, 0.5*(unscaled.AtVec(i)+1)*(iv.Max-iv.Min)+iv.Min)
	}
	return out
}

// ConvertPlanAction clamps a planner action to the workspace bounds
// and maps it back to the normalized [-1, 1] scale, so expert
// transitions are stored in the same action space the policy emits.
func (a *Agent) ConvertPlanAction(plan mat.Vector) mat.Vector {
	out := mat.NewVecDense(a.conf.ActionDim, nil)
	for i := 0; i < a.conf.ActionDim; i++ {
		iv := a.actionRange(i)
		clipped := floatutils.ClipInterval(plan.AtVec(i), iv)
		out.SetVec(i, 2*(clipped-iv.Min)/(iv.Max-iv.Min)-1)
	}
	return out
}

// GetWeights deep-copies the acting parameters. The critic slot is
// left nil; the agent never holds critic parameters.
func (a *Agent) GetWeights() model.Weights {
	return model.Weights{
		Latent: model.ExportLearnables(a.latent),
		Actor:  model.ExportLearnables(a.policy),
	}
}

// SetWeights installs previously exported parameters. Nil slots are
// skipped, so a caller can update the actor without touching the
// latent model.
func (a *Agent) SetWeights(w model.Weights) error {
	if w.Latent != nil {
		if err := model.ImportLearnables(a.latent, w.Latent); err != nil {
			return fmt.Errorf("setWeights: %v", err)
		}
	}
	if w.Actor != nil {
		if err := model.ImportLearnables(a.policy, w.Actor); err != nil {
			return fmt.Errorf("setWeights: %v", err)
		}
	}
	return nil
}
