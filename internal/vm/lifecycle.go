package vm

import (
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
)

// State is the lifecycle state of a launch.
type State int

const (
	StateFresh        State = iota // No bundle at the path
	StateNeedsInstall              // Bundle is to be created and installed
	StateResumable                 // Bundle exists with persisted identity
	StateRunning                   // VM is running
	StateTerminated                // VM stopped or failed to start
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateNeedsInstall:
		return "needs-install"
	case StateResumable:
		return "resumable"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrBundleNotFound is returned when there is nothing to resume and no
// install was requested. It matches bundle.ErrNotFound.
var ErrBundleNotFound = errors.Errorf("no vm found: %w", bundle.ErrNotFound)

// InstallSource requests a fresh install.
type InstallSource struct {
	Kind bundle.Kind
	// Image is the Linux installer ISO, or the macOS restore image. An empty
	// Image for macOS downloads the latest supported restore image.
	Image string
	// DiskSizeGiB is the logical size of the main disk image.
	DiskSizeGiB uint64
}

// Decision is the outcome of Decide.
type Decision struct {
	State State
	Kind  bundle.Kind
}

// Decide classifies the bundle at path. An install request always leads to
// StateNeedsInstall; creating over an existing path then fails.
func Decide(path string, install *InstallSource) (Decision, error) {
	if install != nil {
		return Decision{State: StateNeedsInstall, Kind: install.Kind}, nil
	}

	b, err := bundle.Open(path)
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			return Decision{State: StateFresh}, errors.Errorf("%w: %s", ErrBundleNotFound, path)
		}
		return Decision{State: StateFresh}, err
	}
	return Decision{State: StateResumable, Kind: b.Kind}, nil
}
