package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader wraps an io.Reader and detects the detach sequence.
// EscapeChar bytes are held back until it is clear they do not complete a
// sequence; once EscapeCount arrive within EscapeTimeout of each other the
// reader signals on Escaped and returns io.EOF.
type EscapeReader struct {
	r   io.Reader
	now func() time.Time

	escaped     chan struct{}
	escapedOnce sync.Once

	mu       sync.Mutex
	held     int
	lastHeld time.Time
	out      []byte
	err      error
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return newEscapeReader(r, time.Now)
}

func newEscapeReader(r io.Reader, now func() time.Time) *EscapeReader {
	return &EscapeReader{r: r, now: now, escaped: make(chan struct{})}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.out) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		buf := make([]byte, len(p))
		n, err := e.r.Read(buf)
		e.scan(buf[:n])
		if err != nil && e.err == nil {
			e.releaseHeld()
			e.err = err
		}
	}

	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

func (e *EscapeReader) scan(b []byte) {
	for _, c := range b {
		if e.err != nil {
			return
		}
		if c != EscapeChar {
			e.releaseHeld()
			e.out = append(e.out, c)
			continue
		}

		now := e.now()
		if e.held > 0 && now.Sub(e.lastHeld) > EscapeTimeout {
			e.releaseHeld()
		}
		e.held++
		e.lastHeld = now
		if e.held >= EscapeCount {
			e.held = 0
			e.err = io.EOF
			e.escapedOnce.Do(func() { close(e.escaped) })
		}
	}
}

// releaseHeld passes held escape chars through as ordinary input.
func (e *EscapeReader) releaseHeld() {
	for ; e.held > 0; e.held-- {
		e.out = append(e.out, EscapeChar)
	}
}
