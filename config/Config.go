// Package config implements the process-wide training configuration.
// A Config is validated once at construction time and read-only
// afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// Config enumerates every tunable of the training stack. Fields are
// never mutated after Validate has been called; components copy the
// struct by value.
type Config struct {
	// Action bounds. The gripper position is always in [0, 1], the
	// positional deltas in [-DPos, DPos], and the rotational delta in
	// [-DRot, DRot].
	DPos      float64 `json:"dpos"`
	DRot      float64 `json:"drot"`
	ActionDim int     `json:"action_dim"`

	// Observation layout
	SeqLen         int `json:"seq_len"`
	VisionChannels int `json:"vision_channels"`
	VisionSize     int `json:"vision_size"`
	ForceDim       int `json:"force_dim"`
	ProprioDim     int `json:"proprio_dim"`

	// Data generation
	NumDataGenEnvs    int     `json:"num_data_gen_envs"`
	NumExpertEpisodes int     `json:"num_expert_episodes"`
	MaxForce          float64 `json:"max_force"`

	// SAC hyperparameters
	Discount float64 `json:"discount"`
	Tau      float64 `json:"tau"`
	InitTemp float64 `json:"init_temp"`

	// Learning rates and decay schedules
	LatentLRInit    float64 `json:"latent_lr_init"`
	ActorLRInit     float64 `json:"actor_lr_init"`
	CriticLRInit    float64 `json:"critic_lr_init"`
	LRDecay         float64 `json:"lr_decay"`
	LRDecayInterval int     `json:"lr_decay_interval"`

	// Training schedule
	PretrainingSteps   int `json:"pretraining_steps"`
	TrainingSteps      int `json:"training_steps"`
	CheckpointInterval int `json:"checkpoint_interval"`
	EvalInterval       int `json:"eval_interval"`

	// Replay
	BatchSize       int `json:"batch_size"`
	MinEpisodes     int `json:"min_episodes"`
	ReplayCapacity  int `json:"replay_capacity"`
	LatentBatchSize int `json:"latent_batch_size"`

	SaveModel bool   `json:"save_model"`
	Seed      uint64 `json:"seed"`
}

// Default returns the configuration used by the bundled demo and by
// tests that do not care about specific hyperparameters.
func Default() Config {
	return Config{
		DPos:      0.05,
		DRot:      0.25,
		ActionDim: 5,

		SeqLen:         4,
		VisionChannels: 1,
		VisionSize:     8,
		ForceDim:       6,
		ProprioDim:     4,

		NumDataGenEnvs:    2,
		NumExpertEpisodes: 4,
		MaxForce:          30.0,

		Discount: 0.99,
		Tau:      0.005,
		InitTemp: 0.1,

		LatentLRInit:    1e-3,
		ActorLRInit:     1e-3,
		CriticLRInit:    1e-3,
		LRDecay:         0.95,
		LRDecayInterval: 500,

		PretrainingSteps:   100,
		TrainingSteps:      1000,
		CheckpointInterval: 100,
		EvalInterval:       500,

		BatchSize:       8,
		MinEpisodes:     1,
		ReplayCapacity:  1024,
		LatentBatchSize: 8,

		SaveModel: false,
		Seed:      12,
	}
}

// Load reads a JSON-encoded Config and validates it.
func Load(r io.Reader) (Config, error) {
	var c Config
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("load: could not decode config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("load: %v", err)
	}
	return c, nil
}

// Validate checks that every field is in its legal range.
func (c Config) Validate() error {
	if c.ActionDim <= 0 {
		return fmt.Errorf("validate: action dimension must be > 0")
	}
	if c.SeqLen < 2 {
		return fmt.Errorf("validate: sequence length must be >= 2")
	}
	if c.VisionChannels <= 0 || c.VisionSize <= 0 {
		return fmt.Errorf("validate: vision shape must be positive")
	}
	if c.ForceDim <= 0 {
		return fmt.Errorf("validate: force dimension must be > 0")
	}
	if c.NumDataGenEnvs <= 0 {
		return fmt.Errorf("validate: need at least one data generation " +
			"environment")
	}
	if c.MaxForce <= 0 {
		return fmt.Errorf("validate: maximum force must be > 0")
	}
	if c.DPos <= 0 || c.DRot <= 0 {
		return fmt.Errorf("validate: action deltas must be > 0")
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("validate: discount must be in [0, 1]")
	}
	if c.Tau < 0 || c.Tau > 1 {
		return fmt.Errorf("validate: tau must be in [0, 1]")
	}
	if c.LRDecay <= 0 || c.LRDecay > 1 {
		return fmt.Errorf("validate: learning rate decay must be in (0, 1]")
	}
	if c.LatentLRInit <= 0 || c.ActorLRInit <= 0 || c.CriticLRInit <= 0 {
		return fmt.Errorf("validate: learning rates must be > 0")
	}
	if c.PretrainingSteps < 0 || c.TrainingSteps < 0 {
		return fmt.Errorf("validate: step targets cannot be negative")
	}
	if c.CheckpointInterval <= 0 || c.EvalInterval <= 0 ||
		c.LRDecayInterval <= 0 {
		return fmt.Errorf("validate: intervals must be > 0")
	}
	if c.BatchSize <= 0 || c.LatentBatchSize <= 0 {
		return fmt.Errorf("validate: batch sizes must be > 0")
	}
	if c.ReplayCapacity < c.BatchSize {
		return fmt.Errorf("validate: replay capacity (%v) smaller than "+
			"batch size (%v)", c.ReplayCapacity, c.BatchSize)
	}
	if c.MinEpisodes <= 0 {
		return fmt.Errorf("validate: minimum episode count must be > 0")
	}
	return nil
}
