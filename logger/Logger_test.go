package logger

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
)

func TestScalarLatestValue(t *testing.T) {
	l := New(0)
	defer l.Close()

	l.UpdateScalars(map[string]float64{"loss": 1.0, "lr": 1e-3})
	l.UpdateScalars(map[string]float64{"loss": 0.5})

	if v := l.Scalar("loss").Get(); v != 0.5 {
		t.Errorf("expected the latest loss 0.5, got %v", v)
	}
	if v := l.Scalar("lr").Get(); v != 1e-3 {
		t.Errorf("expected lr 1e-3, got %v", v)
	}
	if v := l.Scalar("missing").Get(); v != 0 {
		t.Errorf("expected a missing key to read zero, got %v", v)
	}
}

func TestHistoryAccumulates(t *testing.T) {
	l := New(0)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.LogTrainingStep(map[string]float64{"reward": float64(i)})
	}

	h := l.History("reward").Get()
	if len(h) != 3 {
		t.Fatalf("expected 3 history entries, got %v", len(h))
	}
	for i, v := range h {
		if v != float64(i) {
			t.Errorf("entry %v: expected %v, got %v", i, float64(i), v)
		}
	}

	// The returned history is a copy
	h[0] = 100
	if l.History("reward").Get()[0] != 0 {
		t.Error("mutating a returned history changed the logger state")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	l := New(0)
	defer l.Close()

	l.LogTrainingStep(map[string]float64{"a": 1, "b": 2})
	l.LogTrainingStep(map[string]float64{"a": 3})

	path := filepath.Join(t.TempDir(), "metrics.bin")
	if err := l.Save(path).Get(); err != nil {
		t.Fatal(err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	var decoded map[string][]float64
	if err := gob.NewDecoder(file).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded["a"]) != 2 || decoded["a"][0] != 1 || decoded["a"][1] != 3 {
		t.Errorf("unexpected history for a: %v", decoded["a"])
	}
	if len(decoded["b"]) != 1 || decoded["b"][0] != 2 {
		t.Errorf("unexpected history for b: %v", decoded["b"])
	}
}

func TestSaveBadPath(t *testing.T) {
	l := New(0)
	defer l.Close()

	if err := l.Save(filepath.Join(t.TempDir(), "no", "such", "dir",
		"metrics.bin")).Get(); err == nil {
		t.Error("expected an error saving into a missing directory")
	}
}
