package bus

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/message"
)

// reexecQuiesceTimeout bounds how long RequestReexec waits for each live
// connection's goroutine to checkpoint before giving up on it. A
// connection that does not respond within this window is dropped across
// the re-exec; its client has to reconnect once the new image is up.
const reexecQuiesceTimeout = 2 * time.Second

// ReexecConn is one live client connection surviving a live re-exec: its
// duplicated, non-CLOEXEC file descriptor plus its message parser's
// mid-frame state, so the new process image can reconstruct the
// connection and resume reading exactly where the old one left off.
type ReexecConn struct {
	ClientID clientid.ID
	FD       int
	Parser   *message.Parser
}

// RestoredConn is the inverse of ReexecConn, produced by UnmarshalState
// in the freshly exec'd process.
type RestoredConn struct {
	ClientID clientid.ID
	FD       int
	Parser   *message.Parser
}

// reexecHandoff is what a connection's own goroutine reports back to
// RequestReexec once it has quiesced.
type reexecHandoff struct {
	clientID clientid.ID
	fd       int
	parser   *message.Parser
}

// RequestReexec marks the bus for a live re-exec and interrupts every
// currently blocked connection read with an immediate deadline, so each
// connection's own goroutine can checkpoint its parser state (draining
// any bytes bufio already pulled off the wire) and duplicate its socket
// fd with FD_CLOEXEC cleared. It blocks until every connection has
// checkpointed or reexecQuiesceTimeout has elapsed for it, then returns
// the set that made it across. The caller (cmd/mds/reexec.go) marshals
// the result alongside the registry and execve's: the duplicated fds
// are already open without FD_CLOEXEC, so they survive that call
// without any further handling.
func (b *Bus) RequestReexec() []ReexecConn {
	b.reexecing.Store(true)
	b.metrics.ReexecsStarted.Inc()

	b.connMu.Lock()
	pending := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		pending = append(pending, c)
	}
	b.connMu.Unlock()

	for _, c := range pending {
		c.conn.SetReadDeadline(time.Now())
	}

	conns := make([]ReexecConn, 0, len(pending))
	for _, c := range pending {
		select {
		case h, ok := <-c.handoff:
			if !ok {
				continue
			}
			conns = append(conns, ReexecConn{ClientID: h.clientID, FD: h.fd, Parser: h.parser})
		case <-time.After(reexecQuiesceTimeout):
			level.Warn(b.logger).Log("msg", "connection did not checkpoint in time for re-exec, dropping it; client must reconnect", "client_id", c.clientID)
		}
	}
	return conns
}

// quiesceConnForReexec runs on a connection's own read-loop goroutine
// once its blocking read returns a deadline error during a pending
// re-exec. It drains whatever bytes bufio.Reader already pulled off the
// wire into the parser's own buffer (a plain fd duplication would not
// carry those: they live only in the bufio.Reader's userspace buffer),
// duplicates the connection's fd with FD_CLOEXEC cleared so it survives
// the execve in reexec.go, and reports the result on c.handoff.
func (b *Bus) quiesceConnForReexec(c *connection) {
	c.conn.SetReadDeadline(time.Time{})

	if n := c.reader.Buffered(); n > 0 {
		if extra, err := c.reader.Peek(n); err == nil {
			c.parser.Feed(extra)
		}
	}

	fd, err := dupConnFD(c.conn)
	if err != nil {
		level.Warn(b.logger).Log("msg", "failed to duplicate connection fd for re-exec, client will have to reconnect", "client_id", c.clientID, "err", err)
		close(c.handoff)
		return
	}
	c.handoff <- reexecHandoff{clientID: c.clientID, fd: fd, parser: c.parser}
}

// dupConnFD duplicates conn's underlying file descriptor. unix.Dup's new
// descriptor never carries FD_CLOEXEC (POSIX guarantees dup() clears
// it), which is exactly what is needed for it to survive the syscall.Exec
// in reexec.go — the original fd, which Go's runtime always marks
// CLOEXEC, would not.
func dupConnFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errors.New("bus: connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	if err := raw.Control(func(rawFD uintptr) {
		fd, dupErr = unix.Dup(int(rawFD))
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}

// resumeConnection reconstructs a net.Conn from a file descriptor handed
// across re-exec and resumes serving it with its restored parser state,
// without resending the handshake: the client's session never actually
// ended.
func (b *Bus) resumeConnection(ctx context.Context, rc RestoredConn) {
	file := os.NewFile(uintptr(rc.FD), "resumed-client-connection")
	netConn, err := net.FileConn(file)
	if err != nil {
		level.Warn(b.logger).Log("msg", "failed to resume handed-off connection, client must reconnect", "client_id", rc.ClientID, "err", err)
		return
	}
	b.metrics.ConnectedClients.Inc()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.metrics.ConnectedClients.Dec()
		b.serveConnectionState(ctx, netConn, rc.ClientID, rc.Parser, false)
	}()
}
