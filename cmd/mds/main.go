// Command mds is the bus process: it inherits an already-bound,
// already-listening display socket from its supervisor (cmd/mds-supervisor)
// and runs the accept/dispatch loop until terminated, grounded on
// original_source/src/mds-registry.c's master_loop and
// grafana-tempo/cmd/tempo/main.go's flag/signal/service wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdsproject/mds/internal/bus"
	"github.com/mdsproject/mds/internal/config"
	"github.com/mdsproject/mds/internal/logutil"
	"github.com/mdsproject/mds/internal/marshal"
	"github.com/mdsproject/mds/internal/metrics"
	"github.com/mdsproject/mds/internal/registry"
	"github.com/mdsproject/mds/internal/statuspage"
	"github.com/mdsproject/mds/internal/supervisor"
)

func main() {
	cfg := config.NewDefaultConfig()
	fs := flag.NewFlagSet("mds", flag.ExitOnError)
	cfg.RegisterFlagsAndApplyDefaults(fs)
	configFile := fs.String("config-file", "", "YAML config file overriding flag defaults.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := cfg.LoadYAML(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "mds: loading config file:", err)
		os.Exit(1)
	}

	logger := logutil.New(cfg.LogLevel)

	var listener net.Listener
	var listenErr error
	switch {
	case cfg.SocketFD >= 0:
		file := os.NewFile(uintptr(cfg.SocketFD), "display-socket")
		listener, listenErr = net.FileListener(file)
		if listenErr != nil {
			level.Error(logger).Log("msg", "failed to adopt inherited socket", "err", listenErr)
			os.Exit(1)
		}
	case cfg.SocketPath != "":
		level.Warn(logger).Log("msg", "no --socket-fd given, binding socket-path directly instead of inheriting from mds-supervisor", "socket_path", cfg.SocketPath)
		sockFile, err := supervisor.CreateSocket(cfg.SocketPath)
		if err != nil {
			level.Error(logger).Log("msg", "failed to bind socket-path", "err", err)
			os.Exit(1)
		}
		listener, listenErr = net.FileListener(sockFile)
		if listenErr != nil {
			level.Error(logger).Log("msg", "failed to adopt bound socket", "err", listenErr)
			os.Exit(1)
		}
	default:
		level.Error(logger).Log("msg", "neither --socket-fd nor --socket-path given; mds must be launched by mds-supervisor or given a socket path directly")
		os.Exit(1)
	}

	m := metrics.NewBus(prometheus.DefaultRegisterer)

	var b *bus.Bus
	var reg *registry.Registry
	if cfg.StateFD >= 0 {
		b, reg = loadReexecState(logger, cfg.StateFD, listener, m, cfg.ReconnectDelay)
	} else {
		reg = registry.New()
		b = bus.New(listener, reg, m, logger, cfg.ReconnectDelay)
	}
	svc := b.Service()
	watchReexecSignal(logger, b, cfg.SocketFD)

	if cfg.StatusAddr != "" {
		statusLn, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to start status server, continuing without it", "err", err)
		} else {
			go func() {
				_ = startStatusServer(statusLn, statuspage.New(reg))
			}()
		}
	}

	if err := services.StartAndAwaitRunning(context.Background(), svc); err != nil {
		level.Error(logger).Log("msg", "failed to start bus", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "bus running", "initial_spawn", cfg.InitialSpawn, "respawn", cfg.Respawn)

	handler := signals.NewHandler(nopLogger{logger})
	handler.Loop()

	if cfg.ShutdownDelay > 0 {
		level.Info(logger).Log("msg", "delaying shutdown", "delay", cfg.ShutdownDelay)
		time.Sleep(cfg.ShutdownDelay)
	}

	level.Info(logger).Log("msg", "shutting down")
	if err := services.StopAndAwaitTerminated(context.Background(), svc); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
		os.Exit(1)
	}
}

// loadReexecState rebuilds the registry and message-ID counter from the
// state-transfer buffer the previous process image wrote to stateFD
// before calling execve (see reexec.go), completing the handoff half of
// live re-exec. The fd is consumed and closed; it carries no other
// purpose past process startup.
func loadReexecState(logger log.Logger, stateFD int, listener net.Listener, m *metrics.Bus, warnInterval time.Duration) (*bus.Bus, *registry.Registry) {
	f := os.NewFile(uintptr(stateFD), "mds-reexec-state")
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		level.Error(logger).Log("msg", "failed to read re-exec state buffer, starting with an empty registry", "err", err)
		reg := registry.New()
		return bus.New(listener, reg, m, logger, warnInterval), reg
	}

	reg, nextMessageID, conns, err := bus.UnmarshalState(marshal.NewReader(data))
	if err != nil {
		level.Error(logger).Log("msg", "failed to unmarshal re-exec state, starting with an empty registry", "err", err)
		reg = registry.New()
		return bus.New(listener, reg, m, logger, warnInterval), reg
	}

	level.Info(logger).Log("msg", "restored bus state from re-exec buffer", "registered_commands", len(reg.List()), "resumed_connections", len(conns))
	return bus.NewFromState(listener, reg, nextMessageID, m, logger, warnInterval, conns), reg
}
