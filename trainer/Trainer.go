// Package trainer implements the training orchestrator. It owns the
// learner-side models and their optimizers, drives latent pretraining
// and soft actor-critic updates against the replay buffer, and
// publishes checkpoints and progress through the shared storage actor.
package trainer

import (
	"fmt"
	"io"
	"math"
	"time"

	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/datagen"
	"github.com/visuotactile/goslac/logger"
	"github.com/visuotactile/goslac/model"
	"github.com/visuotactile/goslac/replay"
	"github.com/visuotactile/goslac/solver"
	"github.com/visuotactile/goslac/storage"
	"github.com/visuotactile/goslac/utils/floatutils"
	"github.com/visuotactile/goslac/utils/tensorutils"
)

// pausePollInterval is how often the trainer re-reads the
// pause_training flag while paused.
const pausePollInterval = 500 * time.Millisecond

// SACLosses holds the per-update scalars of one soft actor-critic
// step. TDError is the mean absolute temporal-difference error of the
// twin critics; nothing in the update loop consumes it, it is logged
// for diagnostics only.
type SACLosses struct {
	Critic  float64
	Actor   float64
	Alpha   float64
	Entropy float64
	TDError float64
}

// Trainer drives the full training procedure. All methods run on the
// caller's goroutine; concurrency enters only through the replay
// buffer's sample futures and the data generator's async stepping.
type Trainer struct {
	conf config.Config

	latent       model.LatentModel
	policy       model.Policy
	critic       model.Critic
	criticTarget model.Critic
	logAlpha     *model.Learnable

	latentSolver *solver.Solver
	actorSolver  *solver.Solver
	criticSolver *solver.Solver
	alphaSolver  *solver.Solver

	actorSchedule  *solver.ExponentialLR
	criticSchedule *solver.ExponentialLR

	buffer replay.Sampler
	store  *storage.SharedStorage
	gen    *datagen.DataGenerator
	log    *logger.Logger

	targetEntropy   float64
	preTrainingStep int
	trainingStep    int
}

// New returns a Trainer over the given learner models. The critic
// target starts as a copy of the live critic. When initial is non-nil
// the trainer resumes from it: weights, optimizer state, temperature,
// and step counters are all restored.
func New(conf config.Config, latent model.LatentModel, policy model.Policy,
	critic, criticTarget model.Critic, buffer replay.Sampler,
	store *storage.SharedStorage, gen *datagen.DataGenerator,
	log *logger.Logger, initial *storage.Checkpoint) (*Trainer, error) {
	latentSolver, err := solver.NewDefaultAdam(conf.LatentLRInit)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	actorSolver, err := solver.NewDefaultAdam(conf.ActorLRInit)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	criticSolver, err := solver.NewDefaultAdam(conf.CriticLRInit)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	alphaSolver, err := solver.NewDefaultAdam(conf.ActorLRInit)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	// Only the actor and critic learning rates decay; the latent model
	// trains at its initial rate throughout.
	actorSchedule, err := solver.NewExponentialLR(actorSolver, conf.LRDecay)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	criticSchedule, err := solver.NewExponentialLR(criticSolver, conf.LRDecay)
	if err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	logAlpha := model.NewLearnable("temperature.logAlpha",
		tensor.New(tensor.WithShape(1),
			tensor.WithBacking([]float64{math.Log(conf.InitTemp)})))

	t := &Trainer{
		conf:         conf,
		latent:       latent,
		policy:       policy,
		critic:       critic,
		criticTarget: criticTarget,
		logAlpha:     logAlpha,

		latentSolver: latentSolver,
		actorSolver:  actorSolver,
		criticSolver: criticSolver,
		alphaSolver:  alphaSolver,

		actorSchedule:  actorSchedule,
		criticSchedule: criticSchedule,

		buffer: buffer,
		store:  store,
		gen:    gen,
		log:    log,

		targetEntropy: -float64(conf.ActionDim),
	}

	if initial != nil {
		if err := t.restore(*initial); err != nil {
			return nil, fmt.Errorf("new: %v", err)
		}
	} else if err := model.Polyak(criticTarget, critic, 1); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	// The data generator acts with its own model instances so env
	// stepping can overlap gradient updates; install the learner weights
	// so it never acts on an unrelated initialization.
	if err := t.syncActingWeights(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	return t, nil
}

// syncActingWeights pushes the learner's latent and policy parameters
// to the data generator. Must not run while an env step is in flight.
func (t *Trainer) syncActingWeights() error {
	return t.gen.SetWeights(model.Weights{
		Latent: model.ExportLearnables(t.latent),
		Actor:  model.ExportLearnables(t.policy),
	})
}

// restore installs a previously published checkpoint. The critic
// target is restored to the live critic weights, matching how the
// checkpoint was taken.
func (t *Trainer) restore(c storage.Checkpoint) error {
	if c.Weights.Latent != nil {
		if err := model.ImportLearnables(t.latent, c.Weights.Latent); err != nil {
			return fmt.Errorf("restore: %v", err)
		}
	}
	if c.Weights.Actor != nil {
		if err := model.ImportLearnables(t.policy, c.Weights.Actor); err != nil {
			return fmt.Errorf("restore: %v", err)
		}
	}
	if c.Weights.Critic != nil {
		if err := model.ImportLearnables(t.critic, c.Weights.Critic); err != nil {
			return fmt.Errorf("restore: %v", err)
		}
	}
	if err := model.Polyak(t.criticTarget, t.critic, 1); err != nil {
		return fmt.Errorf("restore: %v", err)
	}

	if len(c.OptimizerState) == 4 {
		solvers := []*solver.Solver{
			t.latentSolver, t.actorSolver, t.criticSolver, t.alphaSolver,
		}
		for i, s := range solvers {
			if err := s.SetState(c.OptimizerState[i]); err != nil {
				return fmt.Errorf("restore: %v", err)
			}
		}
	} else if len(c.OptimizerState) != 0 {
		return fmt.Errorf("restore: expected 4 optimizer states but got %v",
			len(c.OptimizerState))
	}

	// LogAlpha restores unconditionally: zero is a legitimate value
	// (temperature exactly one), not an absence marker.
	tensorutils.Data(t.logAlpha.Value)[0] = c.LogAlpha
	t.preTrainingStep = c.PreTrainingStep
	t.trainingStep = c.TrainingStep
	return nil
}

// alpha is the current entropy temperature.
func (t *Trainer) alpha() float64 {
	return math.Exp(tensorutils.Data(t.logAlpha.Value)[0])
}

// GenerateExpertData fills the replay buffer with planner episodes.
func (t *Trainer) GenerateExpertData(out io.Writer) (int, error) {
	return t.gen.Generate(t.store, t.conf.NumExpertEpisodes, true, out)
}

// GenerateData runs the requested number of policy episodes.
func (t *Trainer) GenerateData(episodes int, out io.Writer) (int, error) {
	return t.gen.Generate(t.store, episodes, false, out)
}

// UpdateLatent performs one gradient step on the full latent loss.
// Force readings are stored normalized, so the contact threshold scale
// is one.
func (t *Trainer) UpdateLatent(batch *replay.Batch) (model.LatentLosses, error) {
	t.latent.ZeroGrad()
	losses, err := t.latent.Loss(batch.Vision, batch.Force, batch.Actions,
		batch.Rewards, batch.Dones, 1.0)
	if err != nil {
		return model.LatentLosses{}, fmt.Errorf("updateLatent: %v", err)
	}
	if err := t.latentSolver.Step(t.latent.Learnables()); err != nil {
		return model.LatentLosses{}, fmt.Errorf("updateLatent: %v", err)
	}
	return losses, nil
}

// UpdateLatentAlign performs one extra gradient step on the
// cross-modal alignment term alone, on top of the full latent step.
func (t *Trainer) UpdateLatentAlign(batch *replay.Batch) (float64, error) {
	t.latent.ZeroGrad()
	loss, err := t.latent.AlignmentLoss(batch.Vision, batch.Force)
	if err != nil {
		return 0, fmt.Errorf("updateLatentAlign: %v", err)
	}
	if err := t.latentSolver.Step(t.latent.Learnables()); err != nil {
		return 0, fmt.Errorf("updateLatentAlign: %v", err)
	}
	return loss, nil
}

// SoftTargetUpdate moves the critic target toward the live critic.
func (t *Trainer) SoftTargetUpdate() error {
	if err := model.Polyak(t.criticTarget, t.critic, t.conf.Tau); err != nil {
		return fmt.Errorf("softTargetUpdate: %v", err)
	}
	return nil
}

// featureActions builds the policy conditioning vectors for the
// current and next timestep of every batch row, by flattening the
// feature window with the preceding action window.
func (t *Trainer) featureActions(feature, actions *tensor.Dense) (current,
	next *tensor.Dense) {
	batch := feature.Shape()[0]
	seq := feature.Shape()[1] // seqLen + 1
	featureDim := feature.Shape()[2]
	actionDim := actions.Shape()[2]
	seqLen := seq - 1

	fData := tensorutils.Data(feature)
	aData := tensorutils.Data(actions)

	fLen := seqLen * featureDim
	aLen := (seqLen - 1) * actionDim
	cond := fLen + aLen

	cur := make([]float64, batch*cond)
	nxt := make([]float64, batch*cond)
	for b := 0; b < batch; b++ {
		fRow := fData[b*seq*featureDim : (b+1)*seq*featureDim]
		aRow := aData[b*seqLen*actionDim : (b+1)*seqLen*actionDim]

		// Current: features 0..seqLen-1 with actions 0..seqLen-2
		copy(cur[b*cond:b*cond+fLen], fRow[:fLen])
		copy(cur[b*cond+fLen:(b+1)*cond], aRow[:aLen])

		// Next: features 1..seqLen with actions 1..seqLen-1
		copy(nxt[b*cond:b*cond+fLen], fRow[featureDim:featureDim+fLen])
		copy(nxt[b*cond+fLen:(b+1)*cond], aRow[actionDim:actionDim+aLen])
	}
	current = tensor.New(tensor.WithShape(batch, cond),
		tensor.WithBacking(cur))
	next = tensor.New(tensor.WithShape(batch, cond),
		tensor.WithBacking(nxt))
	return current, next
}

// timeSlice extracts index idx of the sequence axis from a
// (batch, seq, dim) tensor as a (batch, dim) tensor.
func timeSlice(t *tensor.Dense, idx int) *tensor.Dense {
	batch := t.Shape()[0]
	seq := t.Shape()[1]
	dim := t.Shape()[2]
	data := tensorutils.Data(t)

	out := make([]float64, batch*dim)
	for b := 0; b < batch; b++ {
		copy(out[b*dim:(b+1)*dim], data[(b*seq+idx)*dim:(b*seq+idx+1)*dim])
	}
	return tensor.New(tensor.WithShape(batch, dim), tensor.WithBacking(out))
}

// lastColumn extracts the final column of a (batch, seq) tensor.
func lastColumn(t *tensor.Dense) []float64 {
	batch := t.Shape()[0]
	seq := t.Shape()[1]
	data := tensorutils.Data(t)

	out := make([]float64, batch)
	for b := 0; b < batch; b++ {
		out[b] = data[b*seq+seq-1]
	}
	return out
}

// UpdateSAC performs one soft actor-critic step on the final
// transition of every sampled sub-sequence: critic regression against
// the entropy-regularized bootstrap target, a reparameterized policy
// step, and a temperature step toward the entropy target.
func (t *Trainer) UpdateSAC(batch *replay.Batch) (SACLosses, error) {
	feature, err := t.latent.Encode(batch.Vision, batch.Force)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	zSeq, err := t.latent.SamplePosterior(feature, batch.Actions)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}

	seq := feature.Shape()[1]
	batchSize := feature.Shape()[0]
	n := float64(batchSize)

	z := timeSlice(zSeq, seq-2)
	nextZ := timeSlice(zSeq, seq-1)
	action := timeSlice(batch.Actions, batch.Actions.Shape()[1]-1)
	rewards := lastColumn(batch.Rewards)
	dones := lastColumn(batch.Dones)

	current, next := t.featureActions(feature, batch.Actions)
	alpha := t.alpha()

	// Critic: regress both heads onto the bootstrap target
	nextAction, nextLogPi, err := t.policy.Sample(next)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	tq1, tq2, err := t.criticTarget.Forward(nextZ, nextAction)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}

	tq1Data := tensorutils.Data(tq1)
	tq2Data := tensorutils.Data(tq2)
	nextLogPiData := tensorutils.Data(nextLogPi)
	target := make([]float64, batchSize)
	for b := 0; b < batchSize; b++ {
		minQ := floatutils.Min(tq1Data[b], tq2Data[b])
		target[b] = rewards[b] + (1-dones[b])*t.conf.Discount*
			(minQ-alpha*nextLogPiData[b])
	}

	q1, q2, err := t.critic.Forward(z, action)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	q1Data := tensorutils.Data(q1)
	q2Data := tensorutils.Data(q2)

	var criticLoss, tdError float64
	gq1 := make([]float64, batchSize)
	gq2 := make([]float64, batchSize)
	for b := 0; b < batchSize; b++ {
		d1 := q1Data[b] - target[b]
		d2 := q2Data[b] - target[b]
		criticLoss += (d1*d1 + d2*d2) / n
		tdError += 0.5 * (math.Abs(d1) + math.Abs(d2)) / n
		gq1[b] = 2 * d1 / n
		gq2[b] = 2 * d2 / n
	}
	t.critic.ZeroGrad()
	err = t.critic.Backward(
		tensor.New(tensor.WithShape(batchSize), tensor.WithBacking(gq1)),
		tensor.New(tensor.WithShape(batchSize), tensor.WithBacking(gq2)))
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	if err := t.criticSolver.Step(t.critic.Learnables()); err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}

	// Actor: maximize the entropy-regularized minimum Q of fresh
	// actions
	newAction, logPi, err := t.policy.Sample(current)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	aq1, aq2, err := t.critic.Forward(z, newAction)
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	aq1Data := tensorutils.Data(aq1)
	aq2Data := tensorutils.Data(aq2)
	logPiData := tensorutils.Data(logPi)

	var actorLoss float64
	ga1 := make([]float64, batchSize)
	ga2 := make([]float64, batchSize)
	for b := 0; b < batchSize; b++ {
		minQ := floatutils.Min(aq1Data[b], aq2Data[b])
		actorLoss += (alpha*logPiData[b] - minQ) / n
		if aq1Data[b] <= aq2Data[b] {
			ga1[b] = -1 / n
		} else {
			ga2[b] = -1 / n
		}
	}
	entropy := -floatutils.Mean(logPiData)
	gradAction, err := t.critic.ActionGrad(
		tensor.New(tensor.WithShape(batchSize), tensor.WithBacking(ga1)),
		tensor.New(tensor.WithShape(batchSize), tensor.WithBacking(ga2)))
	if err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	t.policy.ZeroGrad()
	if err := t.policy.Backward(gradAction, alpha/n); err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}
	if err := t.actorSolver.Step(t.policy.Learnables()); err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}

	// Temperature: move the policy entropy toward the entropy target
	logAlphaVal := tensorutils.Data(t.logAlpha.Value)[0]
	alphaGrad := -(floatutils.Mean(logPiData) + t.targetEntropy)
	alphaLoss := logAlphaVal * alphaGrad
	t.logAlpha.ZeroGrad()
	tensorutils.Data(t.logAlpha.Grad)[0] = alphaGrad
	if err := t.alphaSolver.Step([]*model.Learnable{t.logAlpha}); err != nil {
		return SACLosses{}, fmt.Errorf("updateSAC: %v", err)
	}

	return SACLosses{
		Critic:  criticLoss,
		Actor:   actorLoss,
		Alpha:   alphaLoss,
		Entropy: entropy,
		TDError: tdError,
	}, nil
}

// publishCheckpoint snapshots the learner state into shared storage.
func (t *Trainer) publishCheckpoint() error {
	weights := model.Weights{
		Latent: model.ExportLearnables(t.latent),
		Actor:  model.ExportLearnables(t.policy),
		Critic: model.ExportLearnables(t.critic),
	}
	c := storage.Checkpoint{
		RunID:           t.store.RunID(),
		PreTrainingStep: t.preTrainingStep,
		TrainingStep:    t.trainingStep,
		Weights:         weights,
		OptimizerState: []solver.State{
			t.latentSolver.State(),
			t.actorSolver.State(),
			t.criticSolver.State(),
			t.alphaSolver.State(),
		},
		LogAlpha: tensorutils.Data(t.logAlpha.Value)[0],
	}
	t.store.SetCheckpoint(c)
	if t.conf.SaveModel {
		t.store.SaveCheckpoint()
	}
	return nil
}

// terminated reports whether the shared terminate flag is raised.
func (t *Trainer) terminated() bool {
	return t.store.GetBool("terminate").Get()
}

// waitWhilePaused blocks while the pause_training flag is raised. It
// returns false if the terminate flag was raised while waiting.
func (t *Trainer) waitWhilePaused() bool {
	for t.store.GetBool("pause_training").Get() {
		if t.terminated() {
			return false
		}
		time.Sleep(pausePollInterval)
	}
	return !t.terminated()
}

// ContinuousUpdateWeights runs latent pretraining followed by the main
// training loop until the configured step targets are reached or the
// terminate flag is raised.
func (t *Trainer) ContinuousUpdateWeights() error {
	if err := t.pretrain(); err != nil {
		return fmt.Errorf("continuousUpdateWeights: %v", err)
	}
	if t.terminated() {
		return nil
	}
	if err := t.train(); err != nil {
		return fmt.Errorf("continuousUpdateWeights: %v", err)
	}
	return nil
}

// pretrain drives the latent model alone, pipelining the next batch
// request while the current batch is consumed.
func (t *Trainer) pretrain() error {
	if t.preTrainingStep >= t.conf.PretrainingSteps {
		return nil
	}

	prefetch := t.buffer.SampleLatent(t.store)
	for t.preTrainingStep < t.conf.PretrainingSteps {
		if t.terminated() {
			return nil
		}
		res := prefetch.Get()
		if res.Err != nil {
			if t.terminated() {
				return nil
			}
			return fmt.Errorf("pretrain: %v", res.Err)
		}
		prefetch = t.buffer.SampleLatent(t.store)

		losses, err := t.UpdateLatent(res.Batch)
		if err != nil {
			return fmt.Errorf("pretrain: %v", err)
		}
		alignLoss, err := t.UpdateLatentAlign(res.Batch)
		if err != nil {
			return fmt.Errorf("pretrain: %v", err)
		}

		t.preTrainingStep++
		t.store.SetInfo(map[string]interface{}{
			"pre_training_step": t.preTrainingStep,
		})
		t.log.UpdateScalars(map[string]float64{
			"pretrain/latent_lr": t.latentSolver.LearnRate(),
		})
		t.log.LogTrainingStep(map[string]float64{
			"pretrain/kld":        losses.KLD,
			"pretrain/image":      losses.Image,
			"pretrain/reward":     losses.Reward,
			"pretrain/alignment":  losses.Alignment,
			"pretrain/contact":    losses.Contact,
			"pretrain/align_step": alignLoss,
		})
	}
	return nil
}

// train runs the main loop: environment stepping overlaps the latent
// and SAC updates, the critic target tracks the live critic, and the
// learner state is checkpointed at the configured interval.
func (t *Trainer) train() error {
	if t.trainingStep >= t.conf.TrainingSteps {
		return nil
	}

	if err := t.gen.ResetEnvs(false); err != nil {
		return fmt.Errorf("train: %v", err)
	}

	prefetch := t.buffer.Sample(t.store)
	for t.trainingStep < t.conf.TrainingSteps {
		if !t.waitWhilePaused() {
			return nil
		}

		if err := t.gen.StepEnvsAsync(); err != nil {
			return fmt.Errorf("train: %v", err)
		}

		res := prefetch.Get()
		if res.Err != nil {
			if _, err := t.gen.StepEnvsWait(); err != nil {
				return fmt.Errorf("train: %v", err)
			}
			if t.terminated() {
				return nil
			}
			return fmt.Errorf("train: %v", res.Err)
		}
		prefetch = t.buffer.Sample(t.store)

		latentLosses, err := t.UpdateLatent(res.Batch)
		if err != nil {
			return fmt.Errorf("train: %v", err)
		}
		alignLoss, err := t.UpdateLatentAlign(res.Batch)
		if err != nil {
			return fmt.Errorf("train: %v", err)
		}
		sacLosses, err := t.UpdateSAC(res.Batch)
		if err != nil {
			return fmt.Errorf("train: %v", err)
		}

		episodes, err := t.gen.StepEnvsWait()
		if err != nil {
			return fmt.Errorf("train: %v", err)
		}

		// With the env step collected, refresh the acting weights so
		// the next step uses this update's parameters.
		if err := t.syncActingWeights(); err != nil {
			return fmt.Errorf("train: %v", err)
		}

		if err := t.SoftTargetUpdate(); err != nil {
			return fmt.Errorf("train: %v", err)
		}

		t.trainingStep++
		if t.trainingStep%t.conf.LRDecayInterval == 0 {
			t.actorSchedule.Step()
			t.criticSchedule.Step()
		}
		if t.trainingStep%t.conf.CheckpointInterval == 0 {
			if err := t.publishCheckpoint(); err != nil {
				return fmt.Errorf("train: %v", err)
			}
		}

		t.store.SetInfo(map[string]interface{}{
			"training_step":     t.trainingStep,
			"run_eval_interval": t.trainingStep%t.conf.EvalInterval == 0,
		})
		t.log.UpdateScalars(map[string]float64{
			"sac/temperature": t.alpha(),
			"sac/actor_lr":    t.actorSolver.LearnRate(),
			"sac/critic_lr":   t.criticSolver.LearnRate(),
		})
		t.log.LogTrainingStep(map[string]float64{
			"latent/kld":        latentLosses.KLD,
			"latent/image":      latentLosses.Image,
			"latent/reward":     latentLosses.Reward,
			"latent/alignment":  latentLosses.Alignment,
			"latent/contact":    latentLosses.Contact,
			"latent/align_step": alignLoss,
			"sac/critic":        sacLosses.Critic,
			"sac/actor":         sacLosses.Actor,
			"sac/alpha":         sacLosses.Alpha,
			"sac/entropy":       sacLosses.Entropy,
			"sac/td_error":      sacLosses.TDError,
			"data/episodes":     float64(episodes),
		})
	}
	return nil
}

// PreTrainingStep reports the number of completed latent pretraining
// steps.
func (t *Trainer) PreTrainingStep() int { return t.preTrainingStep }

// TrainingStep reports the number of completed training steps.
func (t *Trainer) TrainingStep() int { return t.trainingStep }
