// Package usernet carries guest network traffic over a datagram socket pair
// to a user-mode network stack running in this process.
package usernet

import (
	"context"
	"os"
	"sync"

	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Buffer sizes of the backend end of the pair. The guest end is mirrored.
const (
	BackendSendBuffer = 4 * 1024 * 1024
	BackendRecvBuffer = 1 * 1024 * 1024
)

// ErrSocketSetupFailed is matched by every NetworkError.
var ErrSocketSetupFailed = errors.New("socket setup failed")

// NetworkError reports a failure to set up the socket pair.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return "usernet: " + e.Op + ": " + ErrSocketSetupFailed.Error() + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrSocketSetupFailed, e.Err}
}

// Stack serves one end of a socket pair. Serve owns conn and closes it
// before returning. It returns when ctx is cancelled.
type Stack interface {
	Serve(ctx context.Context, conn *os.File, options string) error
}

// BufferSizes are the socket buffer sizes requested for both ends.
type BufferSizes struct {
	BackendSend int
	BackendRecv int
	GuestSend   int
	GuestRecv   int
}

// DefaultBufferSizes sizes the pair for throughput towards the guest.
func DefaultBufferSizes() BufferSizes {
	return BufferSizes{
		BackendSend: BackendSendBuffer,
		BackendRecv: BackendRecvBuffer,
		GuestSend:   BackendRecvBuffer,
		GuestRecv:   BackendSendBuffer,
	}
}

// Bridge establishes user-mode network paths.
type Bridge struct {
	stack      Stack
	sizes      BufferSizes
	socketpair func() ([2]int, error)
}

// NewBridge returns a Bridge handing backend ends to stack.
func NewBridge(stack Stack) *Bridge {
	return &Bridge{
		stack:      stack,
		sizes:      DefaultBufferSizes(),
		socketpair: dgramSocketpair,
	}
}

func dgramSocketpair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fds, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds, nil
}

// Handle is an established network path.
type Handle struct {
	// Guest is the end attached to the guest NIC.
	Guest *os.File
	// Sizes are the buffer sizes that were requested.
	Sizes BufferSizes

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Done is closed once the network stack has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the stack's error after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Close closes the guest end, stops the stack and waits for it.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.Guest.Close()
		h.cancel()
		<-h.done
	})
	return h.closeErr
}

// Establish creates a socket pair, tunes its buffers and starts the network
// stack on the backend end with the raw port-forward options. The returned
// handle's Guest end is ready for attachment.
func (b *Bridge) Establish(ctx context.Context, portForwards string) (*Handle, error) {
	fds, err := b.socketpair()
	if err != nil {
		return nil, &NetworkError{Op: "socketpair", Err: err}
	}
	backend := os.NewFile(uintptr(fds[0]), "usernet.backend")
	guest := os.NewFile(uintptr(fds[1]), "usernet.guest")

	// Tuning is best effort; the kernel may clamp or refuse large buffers.
	if err := setBuffers(backend, b.sizes.BackendSend, b.sizes.BackendRecv); err != nil {
		slogctx.Warn(ctx, "tuning backend socket buffers", "error", err)
	}
	if err := setBuffers(guest, b.sizes.GuestSend, b.sizes.GuestRecv); err != nil {
		slogctx.Warn(ctx, "tuning guest socket buffers", "error", err)
	}

	stackCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		Guest:  guest,
		Sizes:  b.sizes,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	group, groupCtx := errgroup.WithContext(stackCtx)
	group.Go(func() error {
		return b.stack.Serve(groupCtx, backend, portForwards)
	})
	go func() {
		h.err = group.Wait()
		if h.err != nil {
			slogctx.Error(ctx, "user network stack stopped", "error", h.err)
		}
		close(h.done)
	}()

	slogctx.Debug(ctx, "user network established",
		"backend_fd", fds[0],
		"guest_fd", fds[1],
		"port_forwards", portForwards,
	)
	return h, nil
}

func setBuffers(f *os.File, send, recv int) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return errors.Errorf("raw conn: %w", err)
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, send); serr != nil {
			serr = errors.Errorf("SO_SNDBUF=%d: %w", send, serr)
			return
		}
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recv); serr != nil {
			serr = errors.Errorf("SO_RCVBUF=%d: %w", recv, serr)
		}
	})
	if err != nil {
		return errors.Errorf("control: %w", err)
	}
	return serr
}

// SocketBuffers reports the buffer sizes the kernel applied to f.
func SocketBuffers(f *os.File) (send, recv int, err error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return 0, 0, errors.Errorf("raw conn: %w", err)
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if send, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF); serr != nil {
			return
		}
		recv, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, 0, errors.Errorf("control: %w", err)
	}
	if serr != nil {
		return 0, 0, errors.Errorf("getsockopt: %w", serr)
	}
	return send, recv, nil
}
