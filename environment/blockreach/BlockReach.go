// Package blockreach implements a planar block-reaching manipulation
// environment on top of Box2D. A kinematic gripper moves over a
// tabletop toward a free dynamic block; contact impulses between the
// two are exposed as a force reading. The "camera" is a coarse
// occupancy grid built from body poses, not a rendered image.
package blockreach

import (
	"fmt"
	"math"

	"github.com/ByteArena/box2d"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/visuotactile/goslac/config"
	"github.com/visuotactile/goslac/environment"
	"github.com/visuotactile/goslac/timestep"
)

const (
	// Tabletop extent in meters; positions live in [0, TableSize]^2
	TableSize = 1.0

	// Termination distance between gripper and block
	reachThreshold = 0.08

	maxEpisodeSteps = 100

	// Physics step parameters
	timeStep      = 1.0 / 30.0
	velocityIters = 8
	positionIters = 3

	// Number of raw force readings kept per observation
	forceHistoryLen = 8
)

// BlockReach is one environment instance.
type BlockReach struct {
	conf config.Config
	rng  *rand.Rand

	world   box2d.B2World
	gripper *box2d.B2Body
	block   *box2d.B2Body

	// Gripper state outside the plane: height and rotation are
	// integrated kinematically and reported via proprioception.
	gripperZ     float64
	gripperTheta float64
	gripperP     float64

	// forceHistory is the raw wrench history, newest last.
	forceHistory []float64

	contacts *contactDetector
	stepNum  int
}

// contactDetector accumulates contact impulses between the gripper and
// the block during each physics step.
type contactDetector struct {
	gripper *box2d.B2Body
	block   *box2d.B2Body

	normalImpulse  float64
	tangentImpulse float64
	touching       bool
}

func (c *contactDetector) BeginContact(contact box2d.B2ContactInterface) {
	if c.involvesPair(contact) {
		c.touching = true
	}
}

func (c *contactDetector) EndContact(contact box2d.B2ContactInterface) {
	if c.involvesPair(contact) {
		c.touching = false
	}
}

func (c *contactDetector) PreSolve(contact box2d.B2ContactInterface,
	oldManifold box2d.B2Manifold) {
}

func (c *contactDetector) PostSolve(contact box2d.B2ContactInterface,
	impulse *box2d.B2ContactImpulse) {
	if !c.involvesPair(contact) {
		return
	}
	for i := 0; i < impulse.Count; i++ {
		c.normalImpulse += impulse.NormalImpulses[i]
		c.tangentImpulse += impulse.TangentImpulses[i]
	}
}

func (c *contactDetector) involvesPair(contact box2d.B2ContactInterface) bool {
	a := contact.GetFixtureA().GetBody()
	b := contact.GetFixtureB().GetBody()
	return (a == c.gripper && b == c.block) ||
		(a == c.block && b == c.gripper)
}

func (c *contactDetector) reset() {
	c.normalImpulse = 0
	c.tangentImpulse = 0
	c.touching = false
}

// New returns a BlockReach environment configured for the given task
// config and seed.
func New(conf config.Config, seed uint64) (*BlockReach, error) {
	if conf.ForceDim < 3 {
		return nil, fmt.Errorf("blockreach: force dimension must be >= 3")
	}
	if conf.ProprioDim < 4 {
		return nil, fmt.Errorf("blockreach: proprioception dimension " +
			"must be >= 4")
	}

	b := &BlockReach{
		conf: conf,
		rng:  rand.New(rand.NewSource(seed)),
	}
	b.buildWorld()
	return b, nil
}

// buildWorld constructs the Box2D world: a top-down table (no
// gravity), a kinematic gripper body, and a dynamic block.
func (b *BlockReach) buildWorld() {
	b.world = box2d.MakeB2World(box2d.MakeB2Vec2(0, 0))

	gripperDef := box2d.MakeB2BodyDef()
	gripperDef.Type = box2d.B2BodyType.B2_kinematicBody
	gripperDef.Position = box2d.MakeB2Vec2(TableSize/2, TableSize/2)
	b.gripper = b.world.CreateBody(&gripperDef)

	gripperShape := box2d.MakeB2PolygonShape()
	gripperShape.SetAsBox(0.02, 0.02)
	gripperFix := box2d.MakeB2FixtureDef()
	gripperFix.Shape = &gripperShape
	gripperFix.Density = 1.0
	b.gripper.CreateFixtureFromDef(&gripperFix)

	blockDef := box2d.MakeB2BodyDef()
	blockDef.Type = box2d.B2BodyType.B2_dynamicBody
	blockDef.Position = box2d.MakeB2Vec2(TableSize/4, TableSize/4)
	blockDef.LinearDamping = 5.0
	blockDef.AngularDamping = 5.0
	b.block = b.world.CreateBody(&blockDef)

	blockShape := box2d.MakeB2PolygonShape()
	blockShape.SetAsBox(0.04, 0.04)
	blockFix := box2d.MakeB2FixtureDef()
	blockFix.Shape = &blockShape
	blockFix.Density = 1.0
	blockFix.Friction = 0.4
	b.block.CreateFixtureFromDef(&blockFix)

	b.contacts = &contactDetector{gripper: b.gripper, block: b.block}
	b.world.SetContactListener(b.contacts)
}

// Reset starts a new episode with the block at a random pose and the
// gripper centered.
func (b *BlockReach) Reset() (timestep.TimeStep, error) {
	margin := 0.1
	bx := margin + b.rng.Float64()*(TableSize-2*margin)
	by := margin + b.rng.Float64()*(TableSize-2*margin)
	b.block.SetTransform(box2d.MakeB2Vec2(bx, by), 0)
	b.block.SetLinearVelocity(box2d.MakeB2Vec2(0, 0))
	b.block.SetAngularVelocity(0)

	b.gripper.SetTransform(box2d.MakeB2Vec2(TableSize/2, TableSize/2), 0)
	b.gripper.SetLinearVelocity(box2d.MakeB2Vec2(0, 0))

	b.gripperZ = 0.1
	b.gripperTheta = 0
	b.gripperP = 0
	b.stepNum = 0
	b.forceHistory = make([]float64, forceHistoryLen*b.conf.ForceDim)
	b.contacts.reset()

	return timestep.New(timestep.First, 0, b.observe(), 0), nil
}

// Step applies one physical-scale action (p, dx, dy, dz, dtheta).
func (b *BlockReach) Step(action mat.Vector) (timestep.TimeStep, error) {
	if action.Len() != b.conf.ActionDim {
		return timestep.TimeStep{}, fmt.Errorf("step: expected action "+
			"dimension %v but got %v", b.conf.ActionDim, action.Len())
	}

	b.gripperP = action.AtVec(0)
	dx := action.AtVec(1)
	dy := action.AtVec(2)
	b.gripperZ += action.AtVec(3)
	b.gripperTheta += action.AtVec(4)

	// Drive the kinematic gripper so the displacement completes in one
	// physics step.
	b.contacts.normalImpulse = 0
	b.contacts.tangentImpulse = 0
	b.gripper.SetLinearVelocity(box2d.MakeB2Vec2(dx/timeStep, dy/timeStep))
	b.world.Step(timeStep, velocityIters, positionIters)
	b.gripper.SetLinearVelocity(box2d.MakeB2Vec2(0, 0))

	b.recordForce()
	b.stepNum++

	dist := b.blockDistance()
	reached := dist < reachThreshold

	reward := -dist
	if reached {
		reward = 1.0
	}

	stepType := timestep.Mid
	if reached || b.stepNum >= maxEpisodeSteps {
		stepType = timestep.Last
	}
	return timestep.New(stepType, reward, b.observe(), b.stepNum), nil
}

// PlanAction implements environment.Planner: head straight for the
// block at full speed. The returned deltas are deliberately not
// clamped to the configured bounds; the agent's plan conversion does
// that.
func (b *BlockReach) PlanAction() (mat.Vector, error) {
	gp := b.gripper.GetPosition()
	bp := b.block.GetPosition()

	plan := mat.NewVecDense(b.conf.ActionDim, nil)
	if b.blockDistance() < 2*reachThreshold {
		plan.SetVec(0, 1.0)
	}
	plan.SetVec(1, bp.X-gp.X)
	plan.SetVec(2, bp.Y-gp.Y)
	plan.SetVec(3, -b.gripperZ/4)
	plan.SetVec(4, -b.gripperTheta/4)
	return plan, nil
}

// ObservationSpec returns the bounds of the flattened state vector.
func (b *BlockReach) ObservationSpec() environment.Spec {
	low := mat.NewVecDense(4, []float64{0, 0, 0, 0})
	high := mat.NewVecDense(4, []float64{TableSize, TableSize, TableSize,
		TableSize})
	shape := mat.NewVecDense(4, nil)
	return environment.Spec{
		Shape:       shape,
		Type:        environment.Observation,
		LowerBound:  low,
		UpperBound:  high,
		Cardinality: environment.Continuous,
	}
}

// ActionSpec returns the physical action bounds.
func (b *BlockReach) ActionSpec() environment.Spec {
	low := mat.NewVecDense(b.conf.ActionDim, []float64{0, -b.conf.DPos,
		-b.conf.DPos, -b.conf.DPos, -b.conf.DRot})
	high := mat.NewVecDense(b.conf.ActionDim, []float64{1, b.conf.DPos,
		b.conf.DPos, b.conf.DPos, b.conf.DRot})
	shape := mat.NewVecDense(b.conf.ActionDim, nil)
	return environment.Spec{
		Shape:       shape,
		Type:        environment.Action,
		LowerBound:  low,
		UpperBound:  high,
		Cardinality: environment.Continuous,
	}
}

// recordForce shifts the newest contact wrench into the raw force
// history.
func (b *BlockReach) recordForce() {
	dim := b.conf.ForceDim
	copy(b.forceHistory, b.forceHistory[dim:])
	newest := b.forceHistory[len(b.forceHistory)-dim:]
	for i := range newest {
		newest[i] = 0
	}

	gp := b.gripper.GetPosition()
	bp := b.block.GetPosition()
	nx, ny := bp.X-gp.X, bp.Y-gp.Y
	norm := math.Hypot(nx, ny)
	if norm > 0 {
		nx /= norm
		ny /= norm
	}

	// Impulse over the step duration approximates the contact force
	f := b.contacts.normalImpulse / timeStep
	newest[0] = f * nx
	newest[1] = f * ny
	newest[2] = b.contacts.tangentImpulse / timeStep
	if dim > 3 && b.contacts.touching {
		newest[3] = 1
	}
}

// observe builds the multimodal observation tuple for the current
// state.
func (b *BlockReach) observe() timestep.Observation {
	gp := b.gripper.GetPosition()
	bp := b.block.GetPosition()

	state := mat.NewVecDense(4, []float64{gp.X, gp.Y, bp.X, bp.Y})
	proprio := mat.NewVecDense(b.conf.ProprioDim, nil)
	proprio.SetVec(0, gp.X)
	proprio.SetVec(1, gp.Y)
	proprio.SetVec(2, b.gripperZ)
	proprio.SetVec(3, b.gripperTheta)

	force := make([]float64, len(b.forceHistory))
	copy(force, b.forceHistory)

	return timestep.Observation{
		State:   state,
		Vision:  b.renderGrid(gp, bp),
		Force:   tensor.New(tensor.WithShape(forceHistoryLen, b.conf.ForceDim), tensor.WithBacking(force)),
		Proprio: proprio,
	}
}

// renderGrid paints gripper and block poses into a coarse occupancy
// grid. Raw frames are produced at twice the configured observation
// size; the agent center-crops them.
func (b *BlockReach) renderGrid(gp, bp box2d.B2Vec2) *tensor.Dense {
	size := 2 * b.conf.VisionSize
	channels := b.conf.VisionChannels
	grid := make([]float64, channels*size*size)

	paint := func(x, y, value float64) {
		col := int(x / TableSize * float64(size))
		row := int(y / TableSize * float64(size))
		if col < 0 || col >= size || row < 0 || row >= size {
			return
		}
		for c := 0; c < channels; c++ {
			grid[c*size*size+row*size+col] = value
		}
	}
	paint(gp.X, gp.Y, 1.0)
	paint(bp.X, bp.Y, 0.5)

	return tensor.New(tensor.WithShape(channels, size, size),
		tensor.WithBacking(grid))
}

// blockDistance is the planar distance between gripper and block.
func (b *BlockReach) blockDistance() float64 {
	gp := b.gripper.GetPosition()
	bp := b.block.GetPosition()
	return math.Hypot(bp.X-gp.X, bp.Y-gp.Y)
}
