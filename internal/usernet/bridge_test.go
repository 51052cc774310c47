package usernet

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/javanstorm/vzcli/internal/testutil"
)

// echoStack answers the first datagram it receives, then idles.
type echoStack struct {
	mu         sync.Mutex
	send, recv int
	echoed     chan struct{}
}

func (s *echoStack) Serve(ctx context.Context, conn *os.File, options string) error {
	defer conn.Close()

	send, recv, err := SocketBuffers(conn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.send, s.recv = send, recv
	s.mu.Unlock()

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf[:n]); err != nil {
		return err
	}
	close(s.echoed)

	<-ctx.Done()
	return nil
}

func TestEstablishConnectsBothEnds(t *testing.T) {
	stack := &echoStack{echoed: make(chan struct{})}
	h, err := NewBridge(stack).Establish(context.Background(), "")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Guest.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := h.Guest.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	select {
	case <-stack.echoed:
	case <-time.After(5 * time.Second):
		t.Fatal("stack never echoed")
	}

	stack.mu.Lock()
	assert.Positive(t, stack.send)
	assert.Positive(t, stack.recv)
	stack.mu.Unlock()

	send, recv, err := SocketBuffers(h.Guest)
	require.NoError(t, err)
	assert.Positive(t, send)
	assert.Positive(t, recv)
}

func TestEstablishBufferSizes(t *testing.T) {
	h, err := NewBridge(testutil.NewFakeStack()).Establish(context.Background(), "")
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, 4*1024*1024, h.Sizes.BackendSend)
	assert.Equal(t, 1*1024*1024, h.Sizes.BackendRecv)
	assert.Equal(t, h.Sizes.BackendSend, h.Sizes.GuestRecv)
	assert.Equal(t, h.Sizes.BackendRecv, h.Sizes.GuestSend)
	assert.GreaterOrEqual(t, h.Sizes.BackendSend, h.Sizes.GuestSend)
}

func TestEstablishHandsOffOptions(t *testing.T) {
	stack := testutil.NewFakeStack()
	bridge := NewBridge(stack)

	first, err := bridge.Establish(context.Background(), "2222:22")
	require.NoError(t, err)
	second, err := bridge.Establish(context.Background(), "")
	require.NoError(t, err)

	<-stack.Served()
	<-stack.Served()
	assert.ElementsMatch(t, []string{"2222:22", ""}, stack.Options())
	assert.NotEqual(t, first.Guest.Fd(), second.Guest.Fd(), "each device gets its own pair")

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	assert.NoError(t, first.Err())
}

func TestEstablishSocketFailure(t *testing.T) {
	stack := testutil.NewFakeStack()
	bridge := NewBridge(stack)
	bridge.socketpair = func() ([2]int, error) {
		return [2]int{-1, -1}, unix.EMFILE
	}

	h, err := bridge.Establish(context.Background(), "")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrSocketSetupFailed)
	assert.ErrorIs(t, err, unix.EMFILE)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "socketpair", netErr.Op)
	assert.Equal(t, 0, stack.Calls(), "stack never started")
}

func TestHandleStackError(t *testing.T) {
	stack := testutil.NewFakeStack()
	stack.Err = errors.New("stack exploded")

	h, err := NewBridge(stack).Establish(context.Background(), "")
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle not done after stack failure")
	}
	assert.ErrorIs(t, h.Err(), stack.Err)
	require.NoError(t, h.Close())
}

func TestHandleCloseIdempotent(t *testing.T) {
	h, err := NewBridge(testutil.NewFakeStack()).Establish(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Guest.Write([]byte("x"))
	assert.Error(t, err, "guest end is closed")
}

func TestEstablishStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := NewBridge(testutil.NewFakeStack()).Establish(ctx, "")
	require.NoError(t, err)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stack did not stop with context")
	}
	require.NoError(t, h.Close())
}
