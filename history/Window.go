// Package history implements fixed-capacity rolling observation
// windows, one slot per parallel environment instance. A window is a
// ring buffer over a flat arena: appending evicts the oldest entry by
// advancing a write index rather than copying every slot.
package history

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Window is a rolling history of length seqLen for numEnvs parallel
// environment slots. Each entry is a fixed-shape tensor (for example a
// vision frame or a force reading).
type Window struct {
	numEnvs  int
	seqLen   int
	itemDims []int
	itemSize int

	// arena holds numEnvs*seqLen items; the item for environment e at
	// ring position p starts at (e*seqLen+p)*itemSize.
	arena []float64

	// head is the ring position that the next Append will overwrite,
	// which is also the position of the oldest entry.
	head int
}

// NewWindow returns a zero-valued Window holding seqLen entries of the
// given item shape for each of numEnvs environment slots.
func NewWindow(numEnvs, seqLen int, itemDims ...int) (*Window, error) {
	if numEnvs <= 0 {
		return nil, fmt.Errorf("newWindow: numEnvs must be > 0")
	}
	if seqLen < 1 {
		return nil, fmt.Errorf("newWindow: seqLen must be >= 1")
	}
	itemSize := 1
	for _, d := range itemDims {
		if d <= 0 {
			return nil, fmt.Errorf("newWindow: invalid item dimension %v", d)
		}
		itemSize *= d
	}

	dims := make([]int, len(itemDims))
	copy(dims, itemDims)

	return &Window{
		numEnvs:  numEnvs,
		seqLen:   seqLen,
		itemDims: dims,
		itemSize: itemSize,
		arena:    make([]float64, numEnvs*seqLen*itemSize),
	}, nil
}

// Reset zeroes every slot of every environment's history.
func (w *Window) Reset() {
	for i := range w.arena {
		w.arena[i] = 0
	}
	w.head = 0
}

// ResetEnv zeroes the history of a single environment slot, leaving
// the other slots and the ring position untouched.
func (w *Window) ResetEnv(env int) error {
	if env < 0 || env >= w.numEnvs {
		return fmt.Errorf("resetEnv: no environment slot %v", env)
	}
	start := env * w.seqLen * w.itemSize
	for i := start; i < start+w.seqLen*w.itemSize; i++ {
		w.arena[i] = 0
	}
	return nil
}

// Append writes one new item per environment slot, evicting the oldest
// entry. items must have shape (numEnvs, itemDims...).
func (w *Window) Append(items *tensor.Dense) error {
	data := items.Data().([]float64)
	if len(data) != w.numEnvs*w.itemSize {
		return fmt.Errorf("append: expected %v values but got %v",
			w.numEnvs*w.itemSize, len(data))
	}
	for e := 0; e < w.numEnvs; e++ {
		dst := (e*w.seqLen + w.head) * w.itemSize
		src := e * w.itemSize
		copy(w.arena[dst:dst+w.itemSize], data[src:src+w.itemSize])
	}
	w.head = (w.head + 1) % w.seqLen
	return nil
}

// Ordered materializes the history in chronological order as a tensor
// of shape (numEnvs, seqLen, itemDims...): index 0 along the sequence
// axis is the oldest entry, the last index the newest.
func (w *Window) Ordered() *tensor.Dense {
	out := make([]float64, len(w.arena))
	for e := 0; e < w.numEnvs; e++ {
		for p := 0; p < w.seqLen; p++ {
			// Ring position of the p-th oldest entry
			ring := (w.head + p) % w.seqLen
			src := (e*w.seqLen + ring) * w.itemSize
			dst := (e*w.seqLen + p) * w.itemSize
			copy(out[dst:dst+w.itemSize], w.arena[src:src+w.itemSize])
		}
	}
	shape := append([]int{w.numEnvs, w.seqLen}, w.itemDims...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

// SeqLen returns the window's configured sequence length.
func (w *Window) SeqLen() int { return w.seqLen }

// NumEnvs returns the number of parallel environment slots.
func (w *Window) NumEnvs() int { return w.numEnvs }
