// Package replay implements the experience replay actor. Episodes of
// multimodal transitions are stored in flat per-step arenas and
// sampled as fixed-length sub-sequences for latent-model and SAC
// updates. All access goes through the actor's mailbox; sampling
// returns futures so the trainer can pipeline batch requests.
package replay

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/remote"
	"github.com/visuotactile/goslac/storage"
	"github.com/visuotactile/goslac/timestep"
)

// Batch is one sampled training batch. Vision and Force cover seqLen+1
// consecutive observations; Actions, Rewards, and Dones cover the
// seqLen transitions between them. Shapes:
//
//	Vision  (batch, seqLen+1, channels, size, size)
//	Force   (batch, seqLen+1, forceDim)
//	Actions (batch, seqLen, actionDim)  -- normalized [-1, 1] scale
//	Rewards (batch, seqLen)
//	Dones   (batch, seqLen)
type Batch struct {
	Vision  *tensor.Dense
	Force   *tensor.Dense
	Actions *tensor.Dense
	Rewards *tensor.Dense
	Dones   *tensor.Dense
}

// SampleResult pairs a sampled batch with the episode indices it was
// drawn from. The indices identify episodes for priority updates;
// nothing in the current loop consumes them.
type SampleResult struct {
	Indices []int
	Batch   *Batch
	Err     error
}

// Sampler is the replay buffer contract the trainer depends on.
type Sampler interface {
	// Sample asynchronously draws a full SAC batch. The future does
	// not resolve until the buffer is sufficiently filled or the
	// shared storage terminate flag is raised.
	Sample(store *storage.SharedStorage) *remote.Future[SampleResult]

	// SampleLatent draws a latent-pretraining batch under the same
	// gating rules.
	SampleLatent(store *storage.SharedStorage) *remote.Future[SampleResult]

	// Add records one transition. The vision frame must already be at
	// the configured observation size and the force reading normalized,
	// as produced by the agent's observation preprocessing. Terminal
	// transitions must carry the episode-ending observation in NextObs.
	Add(t timestep.Transition)

	// NumEpisodes reports the number of completed stored episodes.
	NumEpisodes() *remote.Future[int]

	// Close stops the buffer actor.
	Close()
}

// step is one stored transition, flattened.
type step struct {
	vision []float64
	force  []float64
	action []float64
	reward float64
	done   bool
}

// Buffer is the in-memory Sampler implementation.
type Buffer struct {
	mailbox *remote.Mailbox
	conf    config.Config
	rng     *rand.Rand

	// episodes holds completed episodes oldest first; open holds the
	// in-progress episode per environment slot.
	episodes    [][]step
	open        map[int][]step
	transitions int

	visionLen int
	forceLen  int
}

// NewBuffer returns a running replay buffer actor.
func NewBuffer(conf config.Config, seed uint64) *Buffer {
	return &Buffer{
		mailbox:   remote.NewMailbox(),
		conf:      conf,
		rng:       rand.New(rand.NewSource(seed)),
		open:      make(map[int][]step),
		visionLen: conf.VisionChannels * conf.VisionSize * conf.VisionSize,
		forceLen:  conf.ForceDim,
	}
}

// Add records one transition, completing the environment's open
// episode when the transition is terminal. A terminal transition must
// carry the episode-ending observation in NextObs; it is stored as a
// trailing observation-only record so sample windows can cover the
// final transition and its done flag.
func (b *Buffer) Add(t timestep.Transition) {
	s := b.observationStep(t.Obs)
	s.action = make([]float64, t.Action.Len())
	for i := range s.action {
		s.action[i] = t.Action.AtVec(i)
	}
	s.reward = t.Reward
	s.done = t.Done

	var final *step
	if t.Done && t.NextObs.Vision != nil {
		f := b.observationStep(t.NextObs)
		f.action = make([]float64, t.Action.Len())
		final = &f
	}
	envID := t.EnvID

	b.mailbox.Send(func() {
		b.open[envID] = append(b.open[envID], s)
		b.transitions++
		if s.done {
			if final != nil {
				b.open[envID] = append(b.open[envID], *final)
				b.transitions++
			}
			b.episodes = append(b.episodes, b.open[envID])
			b.open[envID] = nil
		}
		for b.transitions > b.conf.ReplayCapacity && len(b.episodes) > 1 {
			b.transitions -= len(b.episodes[0])
			b.episodes = b.episodes[1:]
		}
	})
}

// observationStep flattens an observation into a stored record with no
// action, reward, or done flag.
func (b *Buffer) observationStep(o timestep.Observation) step {
	vision := make([]float64, b.visionLen)
	copy(vision, o.Vision.Data().([]float64))

	// Keep only the newest force reading of the observation's history
	forceData := o.Force.Data().([]float64)
	force := make([]float64, b.forceLen)
	copy(force, forceData[len(forceData)-b.forceLen:])

	return step{vision: vision, force: force}
}

// NumEpisodes reports the number of completed episodes in the buffer.
func (b *Buffer) NumEpisodes() *remote.Future[int] {
	return remote.Call(b.mailbox, func() int { return len(b.episodes) })
}

// Sample draws a full SAC batch once the buffer is ready.
func (b *Buffer) Sample(store *storage.SharedStorage) *remote.Future[SampleResult] {
	return b.gatedSample(store, b.conf.BatchSize)
}

// SampleLatent draws a latent-only batch once the buffer is ready.
// The batch layout is identical; only the configured batch size
// differs.
func (b *Buffer) SampleLatent(store *storage.SharedStorage) *remote.Future[SampleResult] {
	return b.gatedSample(store, b.conf.LatentBatchSize)
}

// gatedSample polls the buffer until a batch can be served, then
// resolves the returned future with it. The shared storage terminate
// flag aborts the wait, as does closing the buffer.
func (b *Buffer) gatedSample(store *storage.SharedStorage,
	batchSize int) *remote.Future[SampleResult] {
	return remote.Go(func() SampleResult {
		for {
			if b.mailbox.Closed() {
				return SampleResult{
					Err: &Error{Op: "sample", Err: errBufferClosed},
				}
			}
			res := remote.Call(b.mailbox, func() SampleResult {
				return b.trySample(batchSize)
			}).Get()
			if res.Err == nil {
				if res.Batch == nil {
					// The mailbox closed between the check above and
					// the call, leaving a zero result.
					return SampleResult{
						Err: &Error{Op: "sample", Err: errBufferClosed},
					}
				}
				return res
			}
			if !IsEmptyBuffer(res.Err) && !IsInsufficientEpisodes(res.Err) &&
				!IsShortEpisodes(res.Err) {
				return res
			}
			if store != nil && store.GetBool("terminate").Get() {
				return res
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
}

// trySample runs on the actor goroutine and assembles one batch, or
// reports why it cannot yet. Completed episodes end in an
// observation-only record, so the latest window start reaches the
// terminal transition while the action, reward, and done columns only
// ever index real transitions.
func (b *Buffer) trySample(batchSize int) SampleResult {
	if len(b.episodes) == 0 {
		return SampleResult{Err: &Error{Op: "sample", Err: errEmptyBuffer}}
	}
	if len(b.episodes) < b.conf.MinEpisodes {
		return SampleResult{
			Err: &Error{Op: "sample", Err: errInsufficientEpisodes},
		}
	}

	seqLen := b.conf.SeqLen
	window := seqLen + 1

	// Episodes long enough to produce a full observation window
	var eligible []int
	for i, ep := range b.episodes {
		if len(ep) >= window {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return SampleResult{Err: &Error{Op: "sample", Err: errShortEpisodes}}
	}

	conf := b.conf
	vision := make([]float64, batchSize*window*b.visionLen)
	force := make([]float64, batchSize*window*b.forceLen)
	actions := make([]float64, batchSize*seqLen*conf.ActionDim)
	rewards := make([]float64, batchSize*seqLen)
	dones := make([]float64, batchSize*seqLen)
	indices := make([]int, batchSize)

	for row := 0; row < batchSize; row++ {
		epIdx := eligible[b.rng.Intn(len(eligible))]
		ep := b.episodes[epIdx]
		start := b.rng.Intn(len(ep) - window + 1)
		indices[row] = epIdx

		for j := 0; j < window; j++ {
			s := ep[start+j]
			copy(vision[(row*window+j)*b.visionLen:], s.vision)
			copy(force[(row*window+j)*b.forceLen:], s.force)
		}
		for j := 0; j < seqLen; j++ {
			s := ep[start+j]
			copy(actions[(row*seqLen+j)*conf.ActionDim:], s.action)
			rewards[row*seqLen+j] = s.reward
			if s.done {
				dones[row*seqLen+j] = 1
			}
		}
	}

	batch := &Batch{
		Vision: tensor.New(
			tensor.WithShape(batchSize, window, conf.VisionChannels,
				conf.VisionSize, conf.VisionSize),
			tensor.WithBacking(vision)),
		Force: tensor.New(
			tensor.WithShape(batchSize, window, conf.ForceDim),
			tensor.WithBacking(force)),
		Actions: tensor.New(
			tensor.WithShape(batchSize, seqLen, conf.ActionDim),
			tensor.WithBacking(actions)),
		Rewards: tensor.New(
			tensor.WithShape(batchSize, seqLen),
			tensor.WithBacking(rewards)),
		Dones: tensor.New(
			tensor.WithShape(batchSize, seqLen),
			tensor.WithBacking(dones)),
	}
	return SampleResult{Indices: indices, Batch: batch}
}

// Close stops the buffer actor.
func (b *Buffer) Close() {
	b.mailbox.Close()
}

// String summarizes buffer occupancy.
func (b *Buffer) String() string {
	n := b.NumEpisodes().Get()
	return fmt.Sprintf("replay buffer: %v episodes", n)
}
