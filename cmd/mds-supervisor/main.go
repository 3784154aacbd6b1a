// Command mds-supervisor claims a display index, creates its listening
// socket, and spawns (then respawns, on abnormal death) the mds bus
// binary — grounded on original_source/src/mds.c's main and
// spawn_and_respawn_server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"

	"github.com/mdsproject/mds/internal/config"
	"github.com/mdsproject/mds/internal/logutil"
	"github.com/mdsproject/mds/internal/supervisor"
)

func main() {
	cfg := config.NewDefaultConfig()
	fs := flag.NewFlagSet("mds-supervisor", flag.ExitOnError)
	cfg.RegisterFlagsAndApplyDefaults(fs)
	busBinary := fs.String("bus-binary", "mds", "Path to the mds bus binary to spawn.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	logger := logutil.New(cfg.LogLevel)

	if err := supervisor.EnsureRootDir(cfg.RuntimeRootDir); err != nil {
		level.Error(logger).Log("msg", "failed to create runtime root directory", "err", err)
		os.Exit(1)
	}

	paths, err := supervisor.ClaimDisplay(cfg.RuntimeRootDir)
	if err != nil {
		level.Error(logger).Log("msg", "failed to claim a display", "err", err)
		os.Exit(1)
	}
	defer supervisor.ReleaseDisplay(paths)

	if err := supervisor.WritePID(paths); err != nil {
		level.Error(logger).Log("msg", "failed to write pid file", "err", err)
		os.Exit(1)
	}

	socket, err := supervisor.CreateSocket(paths.SocketFile())
	if err != nil {
		level.Error(logger).Log("msg", "failed to create display socket", "err", err)
		os.Exit(1)
	}
	defer socket.Close()

	level.Info(logger).Log("msg", "claimed display", "display", paths.Display, "socket", paths.SocketFile())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = supervisor.SpawnAndRespawn(ctx, logger, *busBinary, fs.Args(), socket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mds-supervisor:", err)
		os.Exit(1)
	}
}
