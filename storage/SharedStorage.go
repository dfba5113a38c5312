// Package storage implements the shared-storage actor: the single
// owner of cross-worker mutable state. Training counters, control
// flags, and the latest checkpoint live here; every write is a
// whole-value replacement performed on the actor goroutine. When a
// database path is configured, SaveCheckpoint persists the last
// published checkpoint durably to SQLite.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/visuotactile/goslac/model"
	"github.com/visuotactile/goslac/remote"
	"github.com/visuotactile/goslac/solver"
)

// Checkpoint is an immutable snapshot of training state. A checkpoint
// is superseded by the next snapshot, never patched.
type Checkpoint struct {
	RunID           string
	PreTrainingStep int
	TrainingStep    int
	Weights         model.Weights

	// OptimizerState holds the latent, actor, critic, and temperature
	// solver states, in that order.
	OptimizerState []solver.State
	LogAlpha       float64
}

// SharedStorage is the shared-state actor.
type SharedStorage struct {
	mailbox *remote.Mailbox
	runID   string

	info       map[string]interface{}
	checkpoint Checkpoint
	db         *sql.DB
}

// New returns a running shared-storage actor. dbPath may be empty, in
// which case SaveCheckpoint only logs.
func New(dbPath string) (*SharedStorage, error) {
	s := &SharedStorage{
		mailbox: remote.NewMailbox(),
		runID:   uuid.NewString(),
		info: map[string]interface{}{
			"terminate":         false,
			"pause_training":    false,
			"run_eval_interval": false,
			"pre_training_step": 0,
			"training_step":     0,
		},
	}
	s.checkpoint.RunID = s.runID

	if dbPath != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, fmt.Errorf("new: could not open checkpoint "+
				"database: %v", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("new: could not reach checkpoint "+
				"database: %v", err)
		}
		_, err = db.ExecContext(context.Background(), `
			CREATE TABLE IF NOT EXISTS checkpoints (
				run_id TEXT PRIMARY KEY,
				training_step INTEGER NOT NULL,
				payload BLOB NOT NULL
			)
		`)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("new: could not create checkpoint "+
				"table: %v", err)
		}
		s.db = db
	}
	return s, nil
}

// RunID returns the unique identifier of this training run.
func (s *SharedStorage) RunID() string { return s.runID }

// GetInfo returns the value stored under key, or nil.
func (s *SharedStorage) GetInfo(key string) *remote.Future[interface{}] {
	return remote.Call(s.mailbox, func() interface{} {
		return s.info[key]
	})
}

// GetBool returns the boolean stored under key; missing or non-boolean
// values read as false.
func (s *SharedStorage) GetBool(key string) *remote.Future[bool] {
	return remote.Call(s.mailbox, func() bool {
		v, _ := s.info[key].(bool)
		return v
	})
}

// GetInt returns the integer stored under key; missing or non-integer
// values read as 0.
func (s *SharedStorage) GetInt(key string) *remote.Future[int] {
	return remote.Call(s.mailbox, func() int {
		v, _ := s.info[key].(int)
		return v
	})
}

// SetInfo replaces the stored values for every key in values.
// Fire-and-forget.
func (s *SharedStorage) SetInfo(values map[string]interface{}) {
	s.mailbox.Send(func() {
		for k, v := range values {
			s.info[k] = v
		}
	})
}

// SetCheckpoint publishes a new latest checkpoint. Fire-and-forget;
// the caller must not retain references into the checkpoint's tensors.
func (s *SharedStorage) SetCheckpoint(c Checkpoint) {
	c.RunID = s.runID
	s.mailbox.Send(func() {
		s.checkpoint = c
	})
}

// Checkpoint returns the last published checkpoint.
func (s *SharedStorage) Checkpoint() *remote.Future[Checkpoint] {
	return remote.Call(s.mailbox, func() Checkpoint {
		return s.checkpoint
	})
}

// SaveCheckpoint persists the last published checkpoint to the
// checkpoint database. Fire-and-forget; persistence failures are
// logged, not fatal, so a broken disk cannot stop training.
func (s *SharedStorage) SaveCheckpoint() {
	s.mailbox.Send(func() {
		if s.db == nil {
			return
		}
		var payload bytes.Buffer
		if err := gob.NewEncoder(&payload).Encode(s.checkpoint); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not encode checkpoint: %v\n",
				err)
			return
		}
		_, err := s.db.ExecContext(context.Background(), `
			INSERT INTO checkpoints (run_id, training_step, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				training_step = excluded.training_step,
				payload = excluded.payload
		`, s.checkpoint.RunID, s.checkpoint.TrainingStep, payload.Bytes())
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not save checkpoint: %v\n",
				err)
			return
		}
		fmt.Fprintf(os.Stderr, "saved checkpoint at step %v (%v)\n",
			s.checkpoint.TrainingStep,
			humanize.Bytes(uint64(payload.Len())))
	})
}

// LoadCheckpoint reads the persisted checkpoint for a run from the
// database, if present.
func LoadCheckpoint(dbPath, runID string) (Checkpoint, bool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("loadCheckpoint: %v", err)
	}
	defer db.Close()

	var payload []byte
	err = db.QueryRowContext(context.Background(),
		`SELECT payload FROM checkpoints WHERE run_id = ?`, runID).
		Scan(&payload)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("loadCheckpoint: %v", err)
	}

	var c Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return Checkpoint{}, false, fmt.Errorf("loadCheckpoint: could not "+
			"decode checkpoint: %v", err)
	}
	return c, true, nil
}

// Close stops the actor and closes the checkpoint database.
func (s *SharedStorage) Close() error {
	s.mailbox.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
