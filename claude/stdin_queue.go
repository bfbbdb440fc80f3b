package claude

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// errWouldBlock is returned by pipeWriter.TryWrite when the pipe is full.
var errWouldBlock = errors.New("write would block")

// writablePollInterval bounds each wait for writability so a closed queue is
// noticed promptly.
const writablePollInterval = 50 * time.Millisecond

// pipeWriter is the parent's end of the subprocess stdin.
type pipeWriter interface {
	// TryWrite makes one non-blocking write attempt and returns the bytes
	// written. It returns errWouldBlock when nothing could be written.
	TryWrite(p []byte) (int, error)
	// WaitWritable blocks until the pipe can accept data or timeout passes.
	WaitWritable(timeout time.Duration) (bool, error)
	Close() error
}

// stdinQueue writes to the subprocess without ever blocking the caller.
//
// When a write cannot complete synchronously the remainder is queued and the
// queue enters draining state; every later payload is appended behind it and
// the drain goroutine flushes the queue strictly in FIFO order as the pipe
// becomes writable.
type stdinQueue struct {
	mu       sync.Mutex
	w        pipeWriter
	queue    [][]byte
	draining bool
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	log     *slog.Logger
	onError func(error)
}

func newStdinQueue(w pipeWriter, log *slog.Logger, onError func(error)) *stdinQueue {
	q := &stdinQueue{
		w:       w,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     log,
		onError: onError,
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drainLoop()
	}()
	return q
}

// Write sends p or queues it. It returns an error only when the queue is
// closed or the pipe reports a hard failure.
func (q *stdinQueue) Write(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrNotRunning
	}

	if q.draining {
		q.queue = append(q.queue, append([]byte(nil), p...))
		return nil
	}

	n, err := q.w.TryWrite(p)
	if err != nil && !errors.Is(err, errWouldBlock) {
		return fmt.Errorf("failed to write to process: %w", err)
	}
	if n == len(p) {
		return nil
	}

	q.queue = append(q.queue, append([]byte(nil), p[n:]...))
	q.draining = true
	if q.log != nil {
		q.log.Debug("stdin full, queueing", "written", n, "queued", len(p)-n)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Draining reports whether payloads are waiting for the pipe.
func (q *stdinQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Pending returns the number of queued payloads.
func (q *stdinQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close drops anything still queued and closes the pipe, which the
// subprocess sees as EOF. Safe to call more than once.
func (q *stdinQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.queue)
	q.queue = nil
	q.draining = false
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	if err := q.w.Close(); err != nil && q.log != nil {
		q.log.Debug("closing stdin", "error", err)
	}
	if dropped > 0 && q.log != nil {
		q.log.Warn("stdin closed with queued payloads", "dropped", dropped)
	}
}

func (q *stdinQueue) drainLoop() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.flush()
		}
	}
}

// flush writes queued payloads one at a time. A partial write leaves the
// remainder at the head and waits for writability again.
func (q *stdinQueue) flush() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		head := q.queue[0]
		q.mu.Unlock()

		ready, err := q.w.WaitWritable(writablePollInterval)
		if err != nil {
			q.fail(err)
			return
		}
		if !ready {
			continue
		}

		n, err := q.w.TryWrite(head)
		if err != nil && !errors.Is(err, errWouldBlock) {
			q.fail(err)
			return
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if n < len(head) {
			q.queue[0] = head[n:]
		} else {
			q.queue = q.queue[1:]
		}
		q.mu.Unlock()
	}
}

func (q *stdinQueue) fail(err error) {
	q.mu.Lock()
	q.queue = nil
	q.draining = false
	q.mu.Unlock()

	if q.log != nil {
		q.log.Error("stdin write failed", "error", err)
	}
	if q.onError != nil {
		q.onError(err)
	}
}

// osPipeWriter is a pipeWriter over the non-blocking write end of os.Pipe.
type osPipeWriter struct {
	f  *os.File
	rc syscall.RawConn
}

func newOSPipeWriter(f *os.File) (*osPipeWriter, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var nbErr error
	if err := rc.Control(func(fd uintptr) {
		nbErr = unix.SetNonblock(int(fd), true)
	}); err != nil {
		return nil, err
	}
	if nbErr != nil {
		return nil, nbErr
	}
	return &osPipeWriter{f: f, rc: rc}, nil
}

func (w *osPipeWriter) TryWrite(p []byte) (int, error) {
	var n int
	var werr error
	err := w.rc.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), p)
		// One attempt only; never park on the poller.
		return true
	})
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	if errors.Is(werr, unix.EAGAIN) {
		return n, errWouldBlock
	}
	return n, werr
}

func (w *osPipeWriter) WaitWritable(timeout time.Duration) (bool, error) {
	var ready bool
	var perr error
	err := w.rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				perr = err
			}
			return
		}
		if n == 0 {
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			perr = io.ErrClosedPipe
			return
		}
		ready = fds[0].Revents&unix.POLLOUT != 0
	})
	if err != nil {
		return false, err
	}
	return ready, perr
}

func (w *osPipeWriter) Close() error {
	return w.f.Close()
}
