package main

import (
	"fmt"
	"os"

	"github.com/visuotactile/goslac/agent"
	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/datagen"
	"github.com/visuotactile/goslac/environment"
	"github.com/visuotactile/goslac/environment/blockreach"
	"github.com/visuotactile/goslac/initwfn"
	"github.com/visuotactile/goslac/logger"
	"github.com/visuotactile/goslac/model"
	"github.com/visuotactile/goslac/model/linear"
	"github.com/visuotactile/goslac/replay"
	"github.com/visuotactile/goslac/storage"
	"github.com/visuotactile/goslac/trainer"
)

const (
	featureDim = 16
	zDim       = 8
)

func main() {
	conf := config.Default()

	// Create the parallel environments
	envs := make([]environment.Environment, conf.NumDataGenEnvs)
	for i := range envs {
		env, err := blockreach.New(conf, conf.Seed+uint64(i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create environment: %v\n", err)
			os.Exit(1)
		}
		envs[i] = env
	}

	init, err := initwfn.NewGlorotN(1.0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create initializer: %v\n", err)
		os.Exit(1)
	}

	// The acting and learning sides hold separate model instances;
	// the trainer pushes weights to the actor at checkpoint time.
	actingLatent, actingPolicy, err := newActingModels(conf, init)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create acting models: %v\n", err)
		os.Exit(1)
	}
	learnerLatent, learnerPolicy, err := newActingModels(conf, init)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create learner models: %v\n", err)
		os.Exit(1)
	}
	critic, err := linear.NewTwinnedQ(zDim, conf.ActionDim, init)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create critic: %v\n", err)
		os.Exit(1)
	}
	criticTarget, err := linear.NewTwinnedQ(zDim, conf.ActionDim, init)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create critic target: %v\n", err)
		os.Exit(1)
	}

	// Wire the actors together
	store, err := storage.New("./checkpoints.db")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create shared storage: %v\n", err)
		os.Exit(1)
	}
	buffer := replay.NewBuffer(conf, conf.Seed)
	log := logger.New(50)

	actor, err := agent.New(conf, conf.NumDataGenEnvs, actingLatent,
		actingPolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create agent: %v\n", err)
		os.Exit(1)
	}
	gen, err := datagen.New(conf, envs, actor, buffer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create data generator: %v\n", err)
		os.Exit(1)
	}

	t, err := trainer.New(conf, learnerLatent, learnerPolicy, critic,
		criticTarget, buffer, store, gen, log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create trainer: %v\n", err)
		os.Exit(1)
	}

	// Seed the replay buffer with planner episodes, then train
	fmt.Println("Generating expert data")
	if _, err := t.GenerateExpertData(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "expert data generation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Training")
	if err := t.ContinuousUpdateWeights(); err != nil {
		fmt.Fprintf(os.Stderr, "training failed: %v\n", err)
		os.Exit(1)
	}

	if err := log.Save("./metrics.bin").Get(); err != nil {
		fmt.Fprintf(os.Stderr, "could not save metrics: %v\n", err)
	}

	buffer.Close()
	log.Close()
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "could not close shared storage: %v\n", err)
	}
	fmt.Printf("run %v finished after %v training steps\n", store.RunID(),
		t.TrainingStep())
}

// newActingModels builds one latent model and one policy sized for the
// configuration.
func newActingModels(conf config.Config,
	init *initwfn.InitWFn) (model.LatentModel, model.Policy, error) {
	latent, err := linear.NewLatent(conf.VisionChannels, conf.VisionSize,
		conf.ForceDim, conf.ActionDim, featureDim, zDim, init, conf.Seed)
	if err != nil {
		return nil, nil, err
	}
	condDim := conf.SeqLen*featureDim + (conf.SeqLen-1)*conf.ActionDim
	policy, err := linear.NewGaussianPolicy(condDim, conf.ActionDim, init,
		conf.Seed)
	if err != nil {
		return nil, nil, err
	}
	return latent, policy, nil
}
