// Package caller captures call-stack diagnostics for the fatal-panic
// path: faults in supervisor mode print their location and a backtrace
// before the kernel dies.
package caller

import (
	"fmt"
	"runtime"
)

// Frame_t is one level of a captured call stack.
type Frame_t struct {
	File string
	Line int
	Func string
}

// Capture walks the call stack starting `skip` frames above its own
// caller and returns it oldest-frame-last, matching runtime.Callers
// ordering.
func Capture(skip int) []Frame_t {
	var frames []Frame_t
	for i := skip + 1; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		frames = append(frames, Frame_t{File: file, Line: line, Func: name})
	}
	return frames
}

// String renders a captured stack one frame per line, each
// continuation prefixed by "<-".
func String(frames []Frame_t) string {
	s := ""
	for i, f := range frames {
		line := fmt.Sprintf("%s:%d (%s)\n", f.File, f.Line, f.Func)
		if i == 0 {
			s = line
		} else {
			s += "\t<-" + line
		}
	}
	return s
}

// PanicInfo_t is the diagnostic record attached to a supervisor-mode
// trap that the trap layer cannot recover from.
type PanicInfo_t struct {
	Reason string
	Hart   int
	Frames []Frame_t
}

// Error implements the error interface so a PanicInfo_t can be handed to
// Go's panic() directly.
func (p *PanicInfo_t) Error() string {
	return fmt.Sprintf("hart %d: %s\n%s", p.Hart, p.Reason, String(p.Frames))
}

// NewPanicInfo builds a PanicInfo_t capturing the stack above its caller.
func NewPanicInfo(hart int, reason string) *PanicInfo_t {
	return &PanicInfo_t{Reason: reason, Hart: hart, Frames: Capture(1)}
}
