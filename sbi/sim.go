package sbi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Sim is a host-process simulation of the SBI surface: console I/O goes
// to real Reader/Writer streams, the timer is a logical tick counter a
// caller advances explicitly (there being no real clock interrupt to
// wait on), and HartStart records the request for the caller's hart
// bring-up loop to act on rather than actually spawning hardware.
type Sim struct {
	mu      sync.Mutex
	out     io.Writer
	in      *bufio.Reader
	tick    uint64
	timerAt map[int]uint64
	started map[int]bool
	onStart func(hartID int, startAddr, opaque uint64)
}

// NewSim builds a simulated SBI backend writing console output to out
// and reading console input from in. onStart, if non-nil, is invoked
// synchronously by HartStart — the caller's hart bring-up path hangs its
// goroutine-spawning logic off of it.
func NewSim(out io.Writer, in io.Reader, onStart func(hartID int, startAddr, opaque uint64)) *Sim {
	return &Sim{
		out:     out,
		in:      bufio.NewReader(in),
		timerAt: make(map[int]uint64),
		started: make(map[int]bool),
		onStart: onStart,
	}
}

// Advance moves the simulated clock forward by n ticks and returns the
// set of harts whose armed timer deadline has now passed.
func (s *Sim) Advance(n uint64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick += n
	var fired []int
	for hart, deadline := range s.timerAt {
		if s.tick >= deadline {
			fired = append(fired, hart)
			delete(s.timerAt, hart)
		}
	}
	return fired
}

// SetTimer implements Caller. The hart argument is threaded through
// ctx by the caller's run loop via hartContextKey.
func (s *Sim) SetTimer(ctx context.Context, deadline uint64) error {
	hart := HartFromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerAt[hart] = deadline
	return nil
}

// ConsolePutchar implements Caller.
func (s *Sim) ConsolePutchar(ctx context.Context, c byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "%c", c)
	return err
}

// ConsoleGetchar implements Caller.
func (s *Sim) ConsoleGetchar(ctx context.Context) (byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.in.ReadByte()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return b, true, nil
}

// Shutdown implements Caller.
func (s *Sim) Shutdown(ctx context.Context) error {
	return errShutdown
}

var errShutdown = fmt.Errorf("sbi: shutdown requested")

// ErrShutdown returns the error Shutdown reports, so a caller can tell a
// shutdown request apart from a failure with errors.Is.
func ErrShutdown() error { return errShutdown }

// HartStart implements Caller.
func (s *Sim) HartStart(ctx context.Context, hartID int, startAddr, opaque uint64) error {
	s.mu.Lock()
	if s.started[hartID] {
		s.mu.Unlock()
		return fmt.Errorf("sbi: hart %d already started", hartID)
	}
	s.started[hartID] = true
	onStart := s.onStart
	s.mu.Unlock()
	if onStart != nil {
		onStart(hartID, startAddr, opaque)
	}
	return nil
}

type hartContextKey struct{}

// WithHart attaches a hart id to ctx, so Sim's SetTimer (and any future
// per-hart SBI call) knows which hart's timer is being armed without
// threading an extra parameter through every Caller method.
func WithHart(ctx context.Context, hart int) context.Context {
	return context.WithValue(ctx, hartContextKey{}, hart)
}

// HartFromContext retrieves the hart id WithHart attached, or -1 if none.
func HartFromContext(ctx context.Context) int {
	v := ctx.Value(hartContextKey{})
	if v == nil {
		return -1
	}
	return v.(int)
}
