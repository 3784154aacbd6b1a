package bus

import (
	"bufio"
	"context"
	"math"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/marshal"
	"github.com/mdsproject/mds/internal/metrics"
	"github.com/mdsproject/mds/internal/registry"
)

func startTestBus(t *testing.T) (net.Addr, *registry.Registry) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := registry.New()
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), time.Second)
	svc := b.Service()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), svc))
	t.Cleanup(func() {
		services.StopAndAwaitTerminated(context.Background(), svc)
	})
	return ln.Addr(), reg
}

func TestBus_HandshakeOnConnect(t *testing.T) {
	addr, _ := startTestBus(t)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(handshake))
	_, err = conn_readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, handshake, string(buf))
}

func TestBus_RegisterThenList(t *testing.T) {
	addr, reg := startTestBus(t)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	drainHandshake(t, conn)

	payload := "compositor\n"
	req := "Command: register\n" +
		"Client ID: 1:2\n" +
		"Message ID: 5\n" +
		"Action: add\n" +
		"Length: " + strconv.Itoa(len(payload)) + "\n" +
		"\n" + payload
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.IsRegistered("compositor")
	}, time.Second, 10*time.Millisecond)

	listReq := "Command: register\nClient ID: 1:2\nMessage ID: 6\nAction: list\n\n"
	_, err = conn.Write([]byte(listReq))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "To: 1:2"))
}

func TestBus_StateMarshalRoundTripPreservesRegistryAndMessageID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg := registry.New()
	reg.Add("compositor", clientid.New(1, 2))
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), time.Second)
	b.nextMessageID.Store(42)

	w := marshal.NewWriter(b.MarshalSize(nil))
	b.Marshal(w, nil)

	restoredReg, nextID, conns, err := UnmarshalState(marshal.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, int32(42), nextID)
	require.Empty(t, conns)
	require.True(t, restoredReg.IsRegistered("compositor"))

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln2.Close()
	m2 := metrics.NewBus(prometheus.NewRegistry())
	b2 := NewFromState(ln2, restoredReg, nextID, m2, log.NewNopLogger(), time.Second, conns)
	require.Equal(t, int32(42), b2.nextMessageID.Load())
}

func TestBus_NextIDWrapsExplicitlyAtMaxInt32(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg := registry.New()
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), time.Second)
	b.nextMessageID.Store(math.MaxInt32)

	require.Equal(t, int32(math.MaxInt32), b.nextID())
	require.Equal(t, int32(0), b.nextID())
	require.Equal(t, int32(1), b.nextID())
}

func TestBus_ReconnectWithinGraceResumesWithoutPurgingRegistry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg := registry.New()
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), 200*time.Millisecond)
	client := clientid.New(7, 9)

	var purged bool
	b.reconnect.disconnect(client, b.reconnectGrace, func() { purged = true })
	resumed := b.reconnect.reconnect(client)

	require.True(t, resumed)
	require.False(t, b.reconnect.isPending(client))
	time.Sleep(300 * time.Millisecond)
	require.False(t, purged, "reconnecting within the grace period must cancel the pending purge")
}

func TestBus_ReconnectGraceExpiryPurgesRegistry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg := registry.New()
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), 50*time.Millisecond)
	client := clientid.New(3, 4)

	purged := make(chan struct{})
	b.reconnect.disconnect(client, b.reconnectGrace, func() { close(purged) })

	select {
	case <-purged:
	case <-time.After(time.Second):
		t.Fatal("grace period never expired")
	}
	require.False(t, b.reconnect.isPending(client))
}

func TestBus_RequestReexecHandsOffLiveConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := registry.New()
	m := metrics.NewBus(prometheus.NewRegistry())
	b := New(ln, reg, m, log.NewNopLogger(), time.Second)
	svc := b.Service()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), svc))
	defer services.StopAndAwaitTerminated(context.Background(), svc)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	drainHandshake(t, conn)

	req := "Command: register\nClient ID: 9:9\nMessage ID: 5\nAction: add\nLength: 1\n\nx"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.IsRegistered("x") }, time.Second, 10*time.Millisecond)

	conns := b.RequestReexec()
	require.Len(t, conns, 1, "the live connection must check in with RequestReexec instead of being dropped by a re-exec")
	require.Equal(t, clientid.New(9, 9), conns[0].ClientID)
	require.NotEqual(t, -1, conns[0].FD, "the connection's fd must be duplicated so it survives execve")
	unix.Close(conns[0].FD)
}

func conn_readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func drainHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, len(handshake))
	_, err := conn_readFull(conn, buf)
	require.NoError(t, err)
}
