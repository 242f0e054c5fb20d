package ofile

import (
	"fmt"
	"sync"

	"rvsmp/defs"
	"rvsmp/stat"
)

// pipeCapacity bounds an anonymous pipe's in-flight byte count, the same
// role a real kernel's pipe ring buffer plays; chosen generously for a
// teaching workload rather than tuned for throughput.
const pipeCapacity = 4096

// pipeBuf is the ring buffer shared by one pipe(2) pair's read and
// write ends. Unlike the scheduler-integrated blocking primitives in
// ksync, a pipe read/write blocks its caller's goroutine directly: pipe
// I/O is not a scheduler-visible sleep point.
type pipeBuf struct {
	mu         sync.Mutex
	cond       *sync.Cond
	data       []byte
	writerOpen bool
}

func newPipeBuf() *pipeBuf {
	p := &pipeBuf{writerOpen: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

type pipeReadEnd struct{ buf *pipeBuf }
type pipeWriteEnd struct{ buf *pipeBuf }

func (r *pipeReadEnd) ReadAt(_ int, dst []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && b.writerOpen {
		b.cond.Wait()
	}
	n := copy(dst, b.data)
	b.data = b.data[n:]
	b.cond.Broadcast()
	return n, nil
}

func (r *pipeReadEnd) WriteAt(int, []byte) (int, error) {
	return 0, fmt.Errorf("ofile: write to read end of pipe")
}

func (r *pipeReadEnd) Stat(st *stat.Stat_t) error {
	st.Wdev(0)
	st.Wmode(defs.ModeFile)
	st.Wnlink(1)
	return nil
}

// Close is a no-op: nothing records that the read end is closed, so a
// later write to the pipe still succeeds while buffer space remains
// (there is no SIGPIPE delivery here).
func (r *pipeReadEnd) Close() {}

func (w *pipeWriteEnd) WriteAt(_ int, src []byte) (int, error) {
	b := w.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data)+len(src) > pipeCapacity {
		b.cond.Wait()
	}
	b.data = append(b.data, src...)
	b.cond.Broadcast()
	return len(src), nil
}

func (w *pipeWriteEnd) ReadAt(int, []byte) (int, error) {
	return 0, fmt.Errorf("ofile: read from write end of pipe")
}

func (w *pipeWriteEnd) Stat(st *stat.Stat_t) error {
	st.Wdev(0)
	st.Wmode(defs.ModeFile)
	st.Wnlink(1)
	return nil
}

// Close marks the write end gone, unblocking any reader waiting on an
// empty buffer so it observes end-of-stream (a zero-length read) instead
// of hanging forever.
func (w *pipeWriteEnd) Close() {
	b := w.buf
	b.mu.Lock()
	b.writerOpen = false
	b.mu.Unlock()
	b.cond.Broadcast()
}

// MakePipe builds an anonymous pipe's read and write ends over one
// shared ring buffer.
func MakePipe() (read, write *OpenFile) {
	b := newPipeBuf()
	read = newOpenFile(&pipeReadEnd{b}, true, false, 0, false)
	write = newOpenFile(&pipeWriteEnd{b}, false, true, 0, false)
	return
}

// Close releases resources an OpenFile's backend holds open, currently
// meaningful only for pipe ends. Closing an inode-backed OpenFile is a
// no-op: the inode itself lives as long as the filesystem does.
func (f *OpenFile) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch b := f.backend.(type) {
	case *pipeReadEnd:
		b.Close()
	case *pipeWriteEnd:
		b.Close()
	}
}
