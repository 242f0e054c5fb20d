package caller

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureIncludesThisTest(t *testing.T) {
	frames := Capture(0)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0].Func, "TestCaptureIncludesThisTest")
	assert.NotZero(t, frames[0].Line)
}

func TestStringFormatsContinuationFrames(t *testing.T) {
	frames := []Frame_t{
		{File: "a.go", Line: 10, Func: "f"},
		{File: "b.go", Line: 20, Func: "g"},
	}
	s := String(frames)
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "a.go:10 (f)", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "\t<-"))
}

func TestPanicInfoCarriesHartAndBacktrace(t *testing.T) {
	pi := NewPanicInfo(3, "trap from kernel mode")
	msg := pi.Error()
	assert.Contains(t, msg, "hart 3")
	assert.Contains(t, msg, "trap from kernel mode")
	assert.Contains(t, msg, "TestPanicInfoCarriesHartAndBacktrace")
}
