//go:build !darwin

package hypervisor

// NewBackend returns an error on unsupported platforms.
func NewBackend() (Backend, error) {
	return nil, ErrUnsupportedPlatform
}
