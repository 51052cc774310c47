// Package terminal attaches the controlling terminal to a guest serial console.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/term"

	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Attacher presents a running machine by wiring the terminal to its serial
// console. The terminal is put in raw mode while attached.
type Attacher struct {
	in  io.Reader
	out io.Writer
	fd  int

	dismissed chan struct{}
	once      sync.Once
}

// NewAttacher returns an Attacher for stdin and stdout.
func NewAttacher() *Attacher {
	return newAttacher(os.Stdin, os.Stdout, int(os.Stdin.Fd()))
}

func newAttacher(in io.Reader, out io.Writer, fd int) *Attacher {
	return &Attacher{in: in, out: out, fd: fd, dismissed: make(chan struct{})}
}

// Present copies between the terminal and the console until the escape
// sequence (Ctrl+] twice) is typed, ctx is cancelled or the guest terminates.
func (a *Attacher) Present(ctx context.Context, m hypervisor.Machine) error {
	vmIn, vmOut, err := m.Console()
	if err != nil {
		return err
	}

	if a.fd >= 0 && term.IsTerminal(a.fd) {
		oldState, err := term.MakeRaw(a.fd)
		if err != nil {
			return err
		}
		defer term.Restore(a.fd, oldState)
	}

	fmt.Fprintf(a.out, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to stop the VM)\r\n")

	input := NewEscapeReader(a.in)
	go func() {
		if _, err := io.Copy(vmIn, input); err != nil {
			slogctx.Debug(ctx, "console input closed", "error", err)
		}
	}()
	go func() {
		if _, err := io.Copy(a.out, vmOut); err != nil {
			slogctx.Debug(ctx, "console output closed", "error", err)
		}
	}()

	select {
	case <-input.Escaped():
		fmt.Fprintf(a.out, "\r\nEscape sequence detected, stopping...\r\n")
	case <-a.dismissed:
	case <-ctx.Done():
	}
	return nil
}

// Dismiss releases Present once the guest has terminated.
func (a *Attacher) Dismiss(code int) {
	a.once.Do(func() { close(a.dismissed) })
}
