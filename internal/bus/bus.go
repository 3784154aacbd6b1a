// Package bus implements the bus loop (Component G): it accepts
// connections on the display socket, frames each connection's traffic
// with internal/message, and dispatches registration, removal, list and
// wait requests into internal/registry — collapsing the original's
// split between a generic server-base multiplexer and the
// registry-specific protocol handler
// (original_source/src/mds-registry.c) into one coherent bus process,
// matching spec.md's System Overview ("the bus routes command
// traffic" for processes that "register as protocol implementors").
// Wrapped as a github.com/grafana/dskit/services.Service, in the idiom
// grafana-tempo/cmd/tempo/app.go wires its own long-running modules.
package bus

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/logutil"
	"github.com/mdsproject/mds/internal/marshal"
	"github.com/mdsproject/mds/internal/message"
	"github.com/mdsproject/mds/internal/metrics"
	"github.com/mdsproject/mds/internal/registry"
)

// StateVersion is the top-level re-exec state buffer's own format
// version, one level above the registry table and message parser
// versioning registry.Marshal and message.Parser.Marshal already carry.
const StateVersion = 0

// handshake is sent to every newly accepted connection, reproducing the
// two literal messages initialise_server sent over socket_fd at
// startup: an "intercept" subscription to Client-closed notifications,
// and a "reregister" broadcast asking already-running protocol servers
// to resend their registrations (since this bus instance may have
// missed earlier ones, or just re-exec'd). A connection resumed across
// a live re-exec skips this: its session never ended, so it must not be
// asked to intercept or reregister a second time.
const handshake = "Command: intercept\n" +
	"Message ID: 0\n" +
	"Length: 32\n" +
	"\n" +
	"Command: register\n" +
	"Client closed\n" +
	"Command: reregister\n" +
	"Message ID: 1\n" +
	"\n"

// Bus is the accept loop and message dispatcher.
type Bus struct {
	listener net.Listener
	registry *registry.Registry
	metrics  *metrics.Bus
	logger   log.Logger
	warnLog  log.Logger // rate-limited view of logger, for per-connection storm warnings

	reexecing   atomic.Bool
	terminating atomic.Bool

	wg sync.WaitGroup

	nextMessageID atomic.Int32

	// reconnect implements spec.md §4.G's Reconnection behavior: a
	// client whose connection resets is given reconnectGrace to present
	// a fresh connection with the same client ID before its
	// registrations are purged.
	reconnect      *reconnectTracker
	reconnectGrace time.Duration

	connMu sync.Mutex
	conns  map[*connection]struct{}

	resumeConns []RestoredConn // populated by NewFromState, drained by running
}

// New creates a Bus that will accept on listener once started.
// reconnectGrace is both the interval that throttles repeated
// per-connection warnings (malformed framing, reset connections) to at
// most one line per interval, and the grace period a disconnected
// client is given to resume before its registrations are purged (spec.md
// §4.G).
func New(listener net.Listener, reg *registry.Registry, m *metrics.Bus, logger log.Logger, reconnectGrace time.Duration) *Bus {
	b := &Bus{
		listener:       listener,
		registry:       reg,
		metrics:        m,
		logger:         logger,
		warnLog:        logutil.NewRateLimited(logger, reconnectGrace),
		reconnect:      newReconnectTracker(),
		reconnectGrace: reconnectGrace,
		conns:          make(map[*connection]struct{}),
	}
	b.nextMessageID.Store(2) // 0 and 1 are consumed by the handshake.
	return b
}

// Service wraps Bus as a dskit services.Service with a running loop that
// accepts connections until the service is asked to stop.
func (b *Bus) Service() services.Service {
	return services.NewBasicService(nil, b.running, b.stopping)
}

func (b *Bus) running(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.terminating.Store(true)
		b.listener.Close()
	}()

	for _, rc := range b.resumeConns {
		b.resumeConnection(ctx, rc)
	}
	b.resumeConns = nil

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.terminating.Load() {
				return nil
			}
			return errors.Wrap(err, "bus: accept connection")
		}
		b.metrics.ConnectedClients.Inc()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.metrics.ConnectedClients.Dec()
			b.serveConnection(ctx, conn)
		}()
	}
}

func (b *Bus) stopping(_ error) error {
	b.terminating.Store(true)
	b.listener.Close()
	b.wg.Wait()
	return nil
}

// connection owns one accepted client's framing state and its single
// outbound writer goroutine, so concurrent senders (the read/dispatch
// loop and any Wait notifier goroutines for that client) never
// interleave partial writes onto the wire.
type connection struct {
	conn   net.Conn
	outbox chan []byte
	done   chan struct{}

	// clientID is set from the first "Client ID" header this connection
	// ever presents (handleRegisterMessage) and is then stable for the
	// connection's lifetime: one physical connection speaks for one
	// client, per spec.md's client-ID model.
	clientID clientid.ID

	reader *bufio.Reader
	parser *message.Parser

	// handoff carries this connection's re-exec checkpoint from its own
	// read-loop goroutine back to RequestReexec. Buffered by one so the
	// goroutine never blocks sending it even if RequestReexec has
	// already given up waiting on it.
	handoff chan reexecHandoff
}

// serveConnection handles a freshly accepted connection.
func (b *Bus) serveConnection(ctx context.Context, netConn net.Conn) {
	b.serveConnectionState(ctx, netConn, clientid.Anonymous, message.New(), true)
}

// serveConnectionState is serveConnection generalised to also serve a
// connection resumed from a re-exec handoff, which already has a client
// ID and an in-flight parser and must not be sent the handshake again.
//
// On a read error, spec.md §4.G's Reconnection behavior applies when
// the error is a socket reset or the parser died on malformed framing:
// rather than purging the client's registrations immediately, a grace
// period starts (b.reconnect), giving the client reconnectGrace to
// present a fresh connection with the same client ID before the
// registry forgets it. When a live re-exec is in progress and this
// connection's read was interrupted only to let it checkpoint (not a
// real reset), quiesceConnForReexec takes over instead and the
// connection's fd survives into the new process image.
func (b *Bus) serveConnectionState(ctx context.Context, netConn net.Conn, clientID clientid.ID, parser *message.Parser, sendHandshake bool) {
	defer netConn.Close()

	c := &connection{
		conn:     netConn,
		outbox:   make(chan []byte, 16),
		done:     make(chan struct{}),
		reader:   bufio.NewReader(netConn),
		parser:   parser,
		clientID: clientID,
		handoff:  make(chan reexecHandoff, 1),
	}
	go c.writeLoop()
	defer close(c.done)

	b.trackConn(c)
	defer b.untrackConn(c)

	if sendHandshake {
		c.send([]byte(handshake))
	}
	if clientID != clientid.Anonymous {
		b.reconnect.reconnect(clientID)
	}

	for {
		msg, err := c.parser.ReadMessage(c.reader)
		if err != nil {
			if errors.Is(err, message.ErrInterrupted) {
				continue
			}
			if b.reexecing.Load() && isDeadlineExceeded(err) {
				b.quiesceConnForReexec(c)
				return
			}
			if errors.Is(err, message.ErrMalformed) {
				b.metrics.MalformedMessages.Inc()
				level.Warn(b.warnLog).Log("msg", "corrupt message received, closing connection")
			}
			if errors.Is(err, unix.ECONNRESET) {
				b.metrics.Reconnections.Inc()
				level.Warn(b.warnLog).Log("msg", "connection reset by peer")
			}
			if isResetOrMalformed(err) && c.clientID != clientid.Anonymous {
				client := c.clientID
				b.reconnect.disconnect(client, b.reconnectGrace, func() {
					b.registry.ClientClosed(client)
					b.reportRegisteredCommands()
				})
			}
			return
		}
		b.dispatch(ctx, c, msg)
	}
}

// isResetOrMalformed reports whether err is one of the two conditions
// spec.md §4.G's Reconnection behavior applies to: the socket resetting
// out from under the parser, or the parser itself dying on malformed
// framing (treated as equivalent to a reset, since either way the
// connection cannot continue and the client may come back).
func isResetOrMalformed(err error) bool {
	return errors.Is(err, message.ErrMalformed) || errors.Is(err, unix.ECONNRESET)
}

// isDeadlineExceeded reports whether err is the read-deadline-exceeded
// error RequestReexec provokes to interrupt a blocked read; net.Conn
// deadline errors satisfy this via their Timeout method.
func isDeadlineExceeded(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (b *Bus) trackConn(c *connection) {
	b.connMu.Lock()
	b.conns[c] = struct{}{}
	b.connMu.Unlock()
}

func (b *Bus) untrackConn(c *connection) {
	b.connMu.Lock()
	delete(b.conns, c)
	b.connMu.Unlock()
}

func (c *connection) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			if _, err := c.conn.Write(data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) send(data []byte) {
	select {
	case c.outbox <- data:
	case <-c.done:
	}
}

func (b *Bus) dispatch(ctx context.Context, c *connection, msg *message.Message) {
	if msg.HasHeaderLine("Command: register") {
		b.metrics.MessagesReceived.WithLabelValues("register").Inc()
		b.handleRegisterMessage(ctx, c, msg)
		return
	}
	for _, h := range msg.Headers {
		if strings.HasPrefix(h.Raw, "Client closed: ") {
			b.metrics.MessagesReceived.WithLabelValues("client-closed").Inc()
			b.handleCloseMessage(msg)
			return
		}
	}
	level.Debug(b.logger).Log("msg", "received message that is neither a registration nor a client-closed notification, dropping")
}

// handleCloseMessage processes every "Client closed: <id>" header,
// grounded on handle_close_message. An explicit close cancels any
// reconnection grace period outright rather than waiting for it to
// expire: the client has said, in so many words, that it is not coming
// back.
func (b *Bus) handleCloseMessage(msg *message.Message) {
	const prefix = "Client closed: "
	for _, h := range msg.Headers {
		if !strings.HasPrefix(h.Raw, prefix) {
			continue
		}
		id, err := clientid.Parse(strings.TrimPrefix(h.Raw, prefix))
		if err != nil {
			continue
		}
		b.reconnect.forget(id)
		b.registry.ClientClosed(id)
		b.reportRegisteredCommands()
	}
}

// handleRegisterMessage validates and executes one add/remove/wait/list
// request, grounded on handle_register_message and registry_action.
func (b *Bus) handleRegisterMessage(ctx context.Context, c *connection, msg *message.Message) {
	clientIDStr, _ := msg.Header("Client ID")
	messageID, hasMessageID := msg.Header("Message ID")
	lengthStr, hasLength := msg.Header("Length")
	action, _ := msg.Header("Action")

	if clientIDStr == "" || clientIDStr == "0:0" {
		level.Debug(b.logger).Log("msg", "received message from anonymous sender, ignoring")
		return
	}
	if !strings.Contains(clientIDStr, ":") {
		level.Warn(b.logger).Log("msg", "received message from sender without a colon in its ID, ignoring")
		return
	}
	if !hasLength && action != "list" {
		level.Debug(b.logger).Log("msg", "received empty message without Action: list, ignoring")
		return
	}
	if !hasMessageID {
		level.Warn(b.logger).Log("msg", "received message with no Message ID, ignoring")
		return
	}

	client, err := clientid.Parse(clientIDStr)
	if err != nil {
		level.Warn(b.logger).Log("msg", "received message with invalid client ID, ignoring", "err", err)
		return
	}

	if c.clientID == clientid.Anonymous {
		c.clientID = client
		if b.reconnect.reconnect(client) {
			level.Info(b.logger).Log("msg", "client resumed registration within its reconnection grace period", "client_id", client)
		}
	}

	if action == "list" {
		b.sendList(c, clientIDStr, messageID)
		return
	}

	var length int
	if hasLength {
		length, err = strconv.Atoi(lengthStr)
		if err != nil || length < 0 || length > len(msg.Payload) {
			level.Warn(b.logger).Log("msg", "received message with invalid Length, ignoring")
			return
		}
	}
	commands := splitCommandList(msg.Payload[:length])

	switch action {
	case "add", "":
		for _, command := range commands {
			b.registry.Add(command, client)
		}
		b.reportRegisteredCommands()
	case "remove":
		for _, command := range commands {
			b.registry.Remove(command, client)
		}
		b.reportRegisteredCommands()
	case "wait":
		b.metrics.WaitQueueDepth.Inc()
		go b.awaitAndNotify(ctx, c, clientIDStr, messageID, commands)
	default:
		level.Warn(b.logger).Log("msg", "received invalid action, ignoring", "action", action)
	}
}

func (b *Bus) reportRegisteredCommands() {
	b.metrics.RegisteredCommands.Set(float64(len(b.registry.List())))
}

func splitCommandList(payload []byte) []string {
	var commands []string
	for _, line := range strings.Split(string(payload), "\n") {
		if line != "" {
			commands = append(commands, line)
		}
	}
	return commands
}

// nextID returns the next outgoing message ID, wrapping explicitly from
// math.MaxInt32 back to 0 (spec.md §3: next_outgoing_message_id "wraps
// from INT32_MAX back to 0", matching the C source's
// `message_id == INT32_MAX ? 0 : message_id + 1`) rather than relying on
// atomic.Int32's two's-complement overflow, which would instead produce
// a negative value once the counter passed math.MaxInt32.
func (b *Bus) nextID() int32 {
	for {
		cur := b.nextMessageID.Load()
		next := cur + 1
		if cur == math.MaxInt32 {
			next = 0
		}
		if b.nextMessageID.CompareAndSwap(cur, next) {
			return cur
		}
	}
}

// awaitAndNotify blocks on registry.Wait and then sends one
// "Command: registered" notification per command that was missing,
// completing the original's `/* FIXME */` left where the wait action's
// reply should have been (see DESIGN.md).
func (b *Bus) awaitAndNotify(ctx context.Context, c *connection, clientIDStr, inResponseTo string, commands []string) {
	var missing []string
	for _, command := range commands {
		if !b.registry.IsRegistered(command) {
			missing = append(missing, command)
		}
	}
	b.registry.Wait(ctx, commands)
	b.metrics.WaitQueueDepth.Dec()
	for _, command := range missing {
		if !b.registry.IsRegistered(command) {
			continue
		}
		payload := []byte(command)
		id := b.nextID()
		out := fmt.Sprintf(
			"Command: registered\nTo: %s\nIn response to: %s\nMessage ID: %d\nLength: %d\n\n%s",
			clientIDStr, inResponseTo, id, len(payload), payload,
		)
		c.send([]byte(out))
	}
}

// sendList replies to an "Action: list" request with every registered
// command name, one per line, grounded on list_registry.
func (b *Bus) sendList(c *connection, clientIDStr, inResponseTo string) {
	names := b.registry.List()
	body := strings.Join(names, "\n")
	if len(names) > 0 {
		body += "\n"
	}
	id := b.nextID()
	out := fmt.Sprintf(
		"To: %s\nIn response to: %s\nMessage ID: %d\nLength: %d\n\n%s",
		clientIDStr, inResponseTo, id, len(body), body,
	)
	c.send([]byte(out))
}

// Reexecing reports whether a live re-exec has been requested, gating
// the master_loop's "!reexecing && !terminating" outer condition.
func (b *Bus) Reexecing() bool { return b.reexecing.Load() }

// Terminating reports whether the bus is shutting down.
func (b *Bus) Terminating() bool { return b.terminating.Load() }

// MarshalSize returns the number of bytes Marshal will write for the
// bus's re-exec state-transfer buffer: spec.md's "Global mutable state"
// (reg_table, message_id) plus the `received: Message` parser state of
// every connection in conns, collapsed onto BusState and composed
// bottom-up from the registry's and each connection's own Marshal.
func (b *Bus) MarshalSize(conns []ReexecConn) int {
	size := 4 + 4 + b.registry.MarshalSize()
	size += 8 // connection count
	for _, c := range conns {
		size += 8 + 4 // client ID (uint64), fd (int32)
		size += c.Parser.MarshalSize(true)
	}
	return size
}

// Marshal writes [version int32][next message id int32][registry]
// [connection count][connections...], the opaque buffer handed from the
// old program image to the new one across execve. Each connection in
// conns has already had its fd duplicated with FD_CLOEXEC cleared by
// RequestReexec, so it survives the execve in cmd/mds/reexec.go as an
// ordinary open descriptor; what crosses in this buffer is its client ID
// and its message.Parser's mid-frame state (spec.md §3's `received:
// Message` field), so the new process can reconstruct the net.Conn from
// the fd and resume parsing exactly where the old process left off.
func (b *Bus) Marshal(w *marshal.Writer, conns []ReexecConn) {
	w.Int32(StateVersion)
	w.Int32(b.nextMessageID.Load())
	b.registry.Marshal(w)
	w.Uint64(uint64(len(conns)))
	for _, c := range conns {
		w.Uint64(uint64(c.ClientID))
		w.Int32(int32(c.FD))
		c.Parser.Marshal(w, true)
	}
}

// UnmarshalState reconstructs the registry, the next-message-ID counter,
// and the set of connections handed off across re-exec from a buffer
// produced by an earlier Bus.Marshal, so NewFromState can build the
// re-exec'd process's Bus starting from exactly where the old one left
// off instead of every client having to reconnect and re-register.
func UnmarshalState(r *marshal.Reader) (reg *registry.Registry, nextMessageID int32, conns []RestoredConn, err error) {
	if _, err := r.Version(StateVersion); err != nil {
		return nil, 0, nil, err
	}
	nextMessageID, err = r.Int32()
	if err != nil {
		return nil, 0, nil, err
	}
	reg, err = registry.Unmarshal(r)
	if err != nil {
		return nil, 0, nil, err
	}
	count, err := r.Uint64()
	if err != nil {
		return nil, 0, nil, err
	}
	conns = make([]RestoredConn, 0, count)
	for i := uint64(0); i < count; i++ {
		rawID, err := r.Uint64()
		if err != nil {
			return nil, 0, nil, err
		}
		fd, err := r.Int32()
		if err != nil {
			return nil, 0, nil, err
		}
		parser, err := message.Unmarshal(r)
		if err != nil {
			return nil, 0, nil, err
		}
		conns = append(conns, RestoredConn{ClientID: clientid.ID(rawID), FD: int(fd), Parser: parser})
	}
	return reg, nextMessageID, conns, nil
}

// NewFromState creates a Bus whose registry, message-ID counter and live
// connections were recovered from a re-exec state-transfer buffer,
// rather than starting empty. The connections in resumeConns are not
// served until the returned Bus's Service is started: running adopts
// them ahead of the first Accept.
func NewFromState(listener net.Listener, reg *registry.Registry, nextMessageID int32, m *metrics.Bus, logger log.Logger, reconnectGrace time.Duration, resumeConns []RestoredConn) *Bus {
	b := &Bus{
		listener:       listener,
		registry:       reg,
		metrics:        m,
		logger:         logger,
		warnLog:        logutil.NewRateLimited(logger, reconnectGrace),
		reconnect:      newReconnectTracker(),
		reconnectGrace: reconnectGrace,
		conns:          make(map[*connection]struct{}),
		resumeConns:    resumeConns,
	}
	b.nextMessageID.Store(nextMessageID)
	return b
}
