package engine

import (
	"context"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/tracker"
)

// Device is the tunnel descriptor as the event loop sees it.
type Device interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(frame []byte) (int, error)
	Close() error
}

// PacketHandler consumes one raw inbound frame.
type PacketHandler interface {
	HandlePacket(raw []byte)
}

// Worker is the tunnel event loop: single-threaded cooperative
// multiplexing over the tun descriptor and every in-flight query socket.
type Worker struct {
	dev      Device
	handler  PacketHandler
	tracker  *tracker.Tracker
	queue    *WriteQueue
	watchdog *Watchdog
	readSize int

	// Eventfd in the poll set, so Wake can interrupt a poll that blocks
	// without timeout when the watchdog is disabled.
	wakeFd int
}

func NewWorker(dev Device, handler PacketHandler, tr *tracker.Tracker, queue *WriteQueue, watchdog *Watchdog, readSize int) (*Worker, error) {
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, cerrors.NewTunnelError("failed to create wake descriptor", err)
	}

	return &Worker{
		dev:      dev,
		handler:  handler,
		tracker:  tr,
		queue:    queue,
		watchdog: watchdog,
		readSize: readSize,
		wakeFd:   wakeFd,
	}, nil
}

// Wake forces the next poll to return so a concurrent stop or forced
// teardown is noticed immediately. Safe to call from any goroutine.
func (w *Worker) Wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(w.wakeFd, buf[:])
}

// Close releases the wake descriptor. Call only after Run has returned.
func (w *Worker) Close() error {
	return unix.Close(w.wakeFd)
}

// Run drives the loop until the session ends. It returns nil only when
// the context is cancelled (deliberate stop); every other tunnel-level
// termination is an error feeding the reconnect path. Each iteration:
// poll, pump tracker sockets, drain pending writes, read exactly one
// frame.
func (w *Worker) Run(ctx context.Context) error {
	buf := make([]byte, w.readSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		pollFds := make([]unix.PollFd, 2, 2+w.tracker.Pending())
		pollFds[0] = unix.PollFd{Fd: int32(w.dev.Fd()), Events: unix.POLLIN}
		if w.queue.Len() > 0 {
			pollFds[0].Events |= unix.POLLOUT
		}
		pollFds[1] = unix.PollFd{Fd: int32(w.wakeFd), Events: unix.POLLIN}
		pollFds = append(pollFds, w.tracker.Descriptors()...)

		n, err := unix.Poll(pollFds, w.watchdog.PollTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return cerrors.NewTunnelError("poll failed", err)
		}

		if n == 0 {
			if err := w.watchdog.HandleTimeout(); err != nil {
				return err
			}
			continue
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			// The context check at the top of the loop decides whether
			// this wake-up was a stop.
			w.drainWake()
		}

		// Upstream responses first, so their frames make this
		// iteration's write drain.
		w.tracker.Pump(pollFds[2:])

		dev := pollFds[0]
		if dev.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("Tunnel descriptor failed (revents %#x)", dev.Revents)
			return cerrors.NewTunnelError("tunnel descriptor failed", nil)
		}

		if dev.Revents&unix.POLLOUT != 0 {
			if err := w.drainWrites(); err != nil {
				return err
			}
		}

		if dev.Revents&unix.POLLIN != 0 {
			n, err := w.dev.Read(buf)
			if err != nil {
				if err == unix.EAGAIN {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return cerrors.NewTunnelError("tunnel read failed", err)
			}
			if n == 0 {
				if ctx.Err() != nil {
					return nil
				}
				return cerrors.NewTunnelError("tunnel closed", nil)
			}

			w.watchdog.HandlePacket()

			frame := make([]byte, n)
			copy(frame, buf[:n])
			w.handler.HandlePacket(frame)
		}
	}
}

func (w *Worker) drainWake() {
	var buf [8]byte
	unix.Read(w.wakeFd, buf[:])
}

// drainWrites flushes the entire write queue, or as much of it as the
// device accepts.
func (w *Worker) drainWrites() error {
	for {
		frame, ok := w.queue.Dequeue()
		if !ok {
			return nil
		}

		if _, err := w.dev.Write(frame); err != nil {
			if err == unix.EAGAIN {
				w.queue.Requeue(frame)
				return nil
			}
			return cerrors.NewTunnelError("tunnel write failed", err)
		}
	}
}
