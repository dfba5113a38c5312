package history

import (
	"testing"

	"gorgonia.org/tensor"
)

func items(vals ...float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(vals), 1),
		tensor.WithBacking(vals))
}

func TestWindowStartsZeroed(t *testing.T) {
	w, err := NewWindow(2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}

	data := w.Ordered().Data().([]float64)
	for i, v := range data {
		if v != 0 {
			t.Errorf("expected zero at %v, got %v", i, v)
		}
	}
}

func TestWindowShiftsOldestOut(t *testing.T) {
	w, err := NewWindow(1, 3, 1)
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range []float64{1, 2, 3, 4} {
		if err := w.Append(items(v)); err != nil {
			t.Fatal(err)
		}
	}

	got := w.Ordered().Data().([]float64)
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v at position %v, got %v", want[i], i, got[i])
		}
	}
}

func TestWindowOrderedShape(t *testing.T) {
	w, err := NewWindow(2, 4, 3, 5)
	if err != nil {
		t.Fatal(err)
	}

	shape := w.Ordered().Shape()
	want := []int{2, 4, 3, 5}
	if len(shape) != len(want) {
		t.Fatalf("expected shape %v, got %v", want, shape)
	}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("expected shape %v, got %v", want, shape)
		}
	}
}

func TestWindowResetEnv(t *testing.T) {
	w, err := NewWindow(2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append(items(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(items(3, 4)); err != nil {
		t.Fatal(err)
	}
	if err := w.ResetEnv(0); err != nil {
		t.Fatal(err)
	}

	got := w.Ordered().Data().([]float64)
	// Environment 0 zeroed, environment 1 untouched
	want := []float64{0, 0, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v at position %v, got %v", want[i], i, got[i])
		}
	}

	if err := w.ResetEnv(2); err == nil {
		t.Error("expected an error for an out-of-range slot")
	}
}

func TestWindowRejectsBadShapes(t *testing.T) {
	if _, err := NewWindow(0, 3, 1); err == nil {
		t.Error("expected an error for zero environments")
	}
	if _, err := NewWindow(1, 0, 1); err == nil {
		t.Error("expected an error for zero-length windows")
	}

	w, err := NewWindow(1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(items(1)); err == nil {
		t.Error("expected an error for a mis-sized append")
	}
}
