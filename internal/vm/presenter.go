package vm

import (
	"context"
	"os"

	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Presenter shows a running machine to the user.
type Presenter interface {
	// Present blocks on the calling goroutine until the presentation is
	// closed by the user or dismissed.
	Present(ctx context.Context, m hypervisor.Machine) error
	// Dismiss is called once the guest has terminated and the launch is
	// cleaned up. It may be called from any goroutine.
	Dismiss(code int)
}

// WindowPresenter shows the guest display in the backend's native window.
// The native event loop never hands back control, so Dismiss exits the
// process.
type WindowPresenter struct {
	Width  int
	Height int
	Title  string

	exit func(int)
}

// NewWindowPresenter returns a presenter sized to d.
func NewWindowPresenter(d devconf.Display, title string) *WindowPresenter {
	return &WindowPresenter{Width: d.Width, Height: d.Height, Title: title, exit: os.Exit}
}

func (p *WindowPresenter) Present(ctx context.Context, m hypervisor.Machine) error {
	return m.ShowWindow(p.Width, p.Height, p.Title)
}

func (p *WindowPresenter) Dismiss(code int) {
	p.exit(code)
}
