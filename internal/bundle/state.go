package bundle

import (
	"encoding/json"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// PersistentState is the boot history of a bundle. It is informational and
// never part of the machine identity.
type PersistentState struct {
	// ID names the bundle in logs. Assigned on creation.
	ID uuid.UUID `json:"id"`

	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// DiskSizeBytes is the logical size the disk image was allocated with.
	DiskSizeBytes uint64 `json:"disk_size_bytes"`

	// BootCount is the number of times the VM has booted.
	BootCount int `json:"boot_count"`

	LastBoot     time.Time `json:"last_boot,omitempty"`
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`
}

// StateFile manages state.json inside a bundle.
type StateFile struct {
	path string
	now  func() time.Time
}

// NewStateFile creates a state file manager for b.
func NewStateFile(b *Bundle) *StateFile {
	return &StateFile{path: b.StatePath(), now: time.Now}
}

// Load reads the state from disk. A missing file yields a zero state.
func (s *StateFile) Load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &PersistentState{}, nil
	}
	if err != nil {
		return nil, newError("read state", s.path, ErrIOFailure, err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, newError("parse state", s.path, ErrCorrupt, err)
	}
	return &state, nil
}

// Save writes the state atomically.
func (s *StateFile) Save(state *PersistentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Errorf("marshal state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return newError("write state", s.path, ErrIOFailure, err)
	}
	return nil
}

// Init writes the initial state of a freshly created bundle.
func (s *StateFile) Init(kind Kind, diskSizeBytes uint64) (*PersistentState, error) {
	state := &PersistentState{
		ID:            uuid.New(),
		Kind:          kind,
		CreatedAt:     s.now(),
		DiskSizeBytes: diskSizeBytes,
		CleanShutdown: true,
	}
	return state, s.Save(state)
}

// RecordBoot updates state for a new boot.
func (s *StateFile) RecordBoot() error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastBoot = s.now()
	state.BootCount++
	state.CleanShutdown = false

	return s.Save(state)
}

// RecordShutdown updates state for a shutdown.
func (s *StateFile) RecordShutdown(clean bool) error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastShutdown = s.now()
	state.CleanShutdown = clean

	return s.Save(state)
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
