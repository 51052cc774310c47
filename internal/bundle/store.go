package bundle

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containers/common/pkg/strongunits"
	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Create makes a new bundle directory at path holding the marker for kind.
// The directory itself is the creation guard: if path exists, Create fails
// with ErrAlreadyExists.
func Create(path string, kind Kind) (*Bundle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, newError("create", path, ErrIOFailure, err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, newError("create", path, ErrAlreadyExists, nil)
		}
		return nil, newError("create", path, ErrIOFailure, err)
	}

	b := &Bundle{Root: path, Kind: kind}
	if err := writeFileAtomic(b.MarkerPath(), nil, 0644); err != nil {
		os.RemoveAll(path)
		return nil, newError("create", path, ErrIOFailure, err)
	}
	return b, nil
}

// Open detects the kind of the existing bundle at path.
func Open(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError("open", path, ErrNotFound, nil)
		}
		return nil, newError("open", path, ErrIOFailure, err)
	}
	if !info.IsDir() {
		return nil, newError("open", path, ErrCorrupt, errors.New("not a directory"))
	}

	var found []Kind
	for _, k := range Kinds {
		if _, err := os.Stat(filepath.Join(path, k.Marker())); err == nil {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 0:
		return nil, newError("open", path, ErrCorrupt, errors.New("no guest kind marker"))
	case 1:
		return &Bundle{Root: path, Kind: found[0]}, nil
	default:
		return nil, newError("open", path, ErrCorrupt, errors.Errorf("conflicting markers %v", found))
	}
}

// AllocateDiskImage creates the sparse main disk image with a logical size of
// sizeGiB gibibytes.
func AllocateDiskImage(b *Bundle, sizeGiB uint64) error {
	path := b.DiskImagePath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return newError("allocate disk", path, ErrAlreadyExists, nil)
		}
		return newError("allocate disk", path, ErrIOFailure, err)
	}

	size := strongunits.GiB(sizeGiB).ToBytes()
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return newError("allocate disk", path, ErrIOFailure, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return newError("allocate disk", path, ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		return newError("allocate disk", path, ErrIOFailure, err)
	}
	return nil
}

// Artifacts is the part of the hypervisor backend that issues and parses
// identity artifacts.
type Artifacts interface {
	hypervisor.IdentityProvider
	hypervisor.FirmwareProvider
	LoadHardwareModel(data []byte) (hypervisor.HardwareModel, error)
	CreateAuxiliaryStorage(path string, model hypervisor.HardwareModel) (hypervisor.AuxiliaryStorage, error)
	LoadAuxiliaryStorage(path string) (hypervisor.AuxiliaryStorage, error)
}

// Store creates and loads bundle identity artifacts through a backend.
type Store struct {
	artifacts Artifacts
}

// NewStore returns a Store using the given backend.
func NewStore(artifacts Artifacts) *Store {
	return &Store{artifacts: artifacts}
}

// CreateIdentity generates a machine identity and persists it.
func (s *Store) CreateIdentity(b *Bundle) (hypervisor.MachineIdentity, error) {
	path := b.IdentityPath()
	if exists(path) {
		return nil, newError("create identity", path, ErrAlreadyExists, nil)
	}
	id, err := s.artifacts.CreateMachineIdentity(b.Kind.GuestKind())
	if err != nil {
		return nil, newError("create identity", path, ErrIOFailure, err)
	}
	if err := writeFileAtomic(path, id.DataRepresentation(), 0644); err != nil {
		return nil, newError("create identity", path, ErrIOFailure, err)
	}
	return id, nil
}

// LoadIdentity reads back the persisted machine identity.
func (s *Store) LoadIdentity(b *Bundle) (hypervisor.MachineIdentity, error) {
	path := b.IdentityPath()
	data, err := readArtifact("load identity", path)
	if err != nil {
		return nil, err
	}
	id, err := s.artifacts.LoadMachineIdentity(b.Kind.GuestKind(), data)
	if err != nil {
		return nil, newError("load identity", path, ErrCorrupt, err)
	}
	return id, nil
}

// CreateFirmwareStore creates the EFI variable store. The backend writes it
// under a temporary name which is committed and then reopened.
func (s *Store) CreateFirmwareStore(b *Bundle) (hypervisor.FirmwareStore, error) {
	path := b.FirmwarePath()
	if exists(path) {
		return nil, newError("create firmware store", path, ErrAlreadyExists, nil)
	}

	tmp := tempName(path)
	if _, err := s.artifacts.CreateFirmwareStore(tmp); err != nil {
		os.Remove(tmp)
		return nil, newError("create firmware store", path, ErrIOFailure, err)
	}
	if err := commitFile(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, newError("create firmware store", path, ErrIOFailure, err)
	}
	store, err := s.artifacts.LoadFirmwareStore(path)
	if err != nil {
		return nil, newError("create firmware store", path, ErrCorrupt, err)
	}
	return store, nil
}

// LoadFirmwareStore opens the persisted EFI variable store.
func (s *Store) LoadFirmwareStore(b *Bundle) (hypervisor.FirmwareStore, error) {
	path := b.FirmwarePath()
	if !exists(path) {
		return nil, newError("load firmware store", path, ErrNotFound, nil)
	}
	store, err := s.artifacts.LoadFirmwareStore(path)
	if err != nil {
		return nil, newError("load firmware store", path, ErrCorrupt, err)
	}
	return store, nil
}

// CreatePlatform persists the hardware model of a macOS guest and creates its
// auxiliary storage.
func (s *Store) CreatePlatform(b *Bundle, model hypervisor.HardwareModel) (*hypervisor.PlatformConfig, error) {
	hwPath := b.HardwareModelPath()
	auxPath := b.AuxiliaryStoragePath()
	if exists(hwPath) || exists(auxPath) {
		return nil, newError("create platform", b.Root, ErrAlreadyExists, nil)
	}

	if err := writeFileAtomic(hwPath, model.DataRepresentation(), 0644); err != nil {
		return nil, newError("create platform", hwPath, ErrIOFailure, err)
	}

	tmp := tempName(auxPath)
	if _, err := s.artifacts.CreateAuxiliaryStorage(tmp, model); err != nil {
		os.Remove(tmp)
		return nil, newError("create platform", auxPath, ErrIOFailure, err)
	}
	if err := commitFile(tmp, auxPath); err != nil {
		os.Remove(tmp)
		return nil, newError("create platform", auxPath, ErrIOFailure, err)
	}
	aux, err := s.artifacts.LoadAuxiliaryStorage(auxPath)
	if err != nil {
		return nil, newError("create platform", auxPath, ErrCorrupt, err)
	}
	return &hypervisor.PlatformConfig{HardwareModel: model, AuxiliaryStorage: aux}, nil
}

// LoadPlatform loads the macOS platform artifacts and checks that this host
// can run the recorded hardware model.
func (s *Store) LoadPlatform(b *Bundle) (*hypervisor.PlatformConfig, error) {
	hwPath := b.HardwareModelPath()
	data, err := readArtifact("load platform", hwPath)
	if err != nil {
		return nil, err
	}
	model, err := s.artifacts.LoadHardwareModel(data)
	if err != nil {
		return nil, newError("load platform", hwPath, ErrCorrupt, err)
	}
	if !model.Supported() {
		return nil, newError("load platform", hwPath, ErrCorrupt, errors.New("hardware model not supported on this host"))
	}

	auxPath := b.AuxiliaryStoragePath()
	if !exists(auxPath) {
		return nil, newError("load platform", auxPath, ErrNotFound, nil)
	}
	aux, err := s.artifacts.LoadAuxiliaryStorage(auxPath)
	if err != nil {
		return nil, newError("load platform", auxPath, ErrCorrupt, err)
	}
	return &hypervisor.PlatformConfig{HardwareModel: model, AuxiliaryStorage: aux}, nil
}

func readArtifact(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(op, path, ErrNotFound, nil)
		}
		return nil, newError(op, path, ErrIOFailure, err)
	}
	return data, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// tempName returns an unused sibling of path for backends that create files
// themselves.
func tempName(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString())
}
