// Package gui provides the terminal emulator window bound to a guest serial
// console.
package gui

import (
	"context"
	"io"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	fyneterm "github.com/fyne-io/terminal"
	slogctx "github.com/veqryn/slog-context"

	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// nopWriteCloser wraps an io.Writer with a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ConsoleWindow presents a machine as a terminal emulator window connected
// to its serial console.
type ConsoleWindow struct {
	title string

	mu        sync.Mutex
	app       fyne.App
	dismissed bool
}

// NewConsoleWindow returns a presenter opening a window titled title.
func NewConsoleWindow(title string) *ConsoleWindow {
	return &ConsoleWindow{title: title}
}

// Present runs the window on the calling goroutine until it is closed or
// dismissed.
func (c *ConsoleWindow) Present(ctx context.Context, m hypervisor.Machine) error {
	vmIn, vmOut, err := m.Console()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.dismissed {
		c.mu.Unlock()
		return nil
	}
	a := app.New()
	c.app = a
	c.mu.Unlock()

	w := a.NewWindow(c.title)
	w.SetPadded(false)
	w.Resize(fyne.NewSize(800, 600))

	t := fyneterm.New()
	w.SetContent(t)
	w.SetCloseIntercept(a.Quit)

	go func() {
		if err := t.RunWithConnection(nopWriteCloser{vmIn}, vmOut); err != nil {
			slogctx.Debug(ctx, "console connection ended", "error", err)
		}
	}()

	w.Show()
	w.Canvas().Focus(t)
	a.Run()
	return nil
}

// Dismiss closes the window once the guest has terminated.
func (c *ConsoleWindow) Dismiss(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dismissed = true
	if c.app != nil {
		c.app.Quit()
	}
}
