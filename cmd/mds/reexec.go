// Live re-exec handoff: spec.md's requirement that the bus survive an
// upgrade without disconnecting clients. A SIGHUP marshals the current
// Bus state — the registry, the message-ID counter, and every live
// client connection's parser state — into an anonymous memfd and
// replaces the process image in place via execve. The display socket
// and each client connection's duplicated file descriptor (bus.
// RequestReexec already cleared FD_CLOEXEC on the latter) cross execve
// as ordinary open descriptors; syscall.Exec has no ExtraFiles-style
// handoff (that is exec.Cmd machinery, used only by
// internal/supervisor.SpawnAndRespawn's separate fork+exec path), so
// what actually crosses here is just "this descriptor happened to be
// open and not CLOEXEC at the moment of the syscall" — grounded on
// original_source/src/mds.c's re-exec path.
package main

import (
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/mdsproject/mds/internal/bus"
	"github.com/mdsproject/mds/internal/marshal"
)

// watchReexecSignal re-execs the running process on SIGHUP. socketFD is
// the raw, still-open display socket descriptor (cfg.SocketFD); it was
// never duplicated with FD_CLOEXEC set, so it survives execve unchanged.
func watchReexecSignal(logger log.Logger, b *bus.Bus, socketFD int) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	go func() {
		for range sig {
			if err := reexec(logger, b, socketFD); err != nil {
				level.Error(logger).Log("msg", "re-exec failed, bus continues running", "err", err)
			}
		}
	}()
}

func reexec(logger log.Logger, b *bus.Bus, socketFD int) error {
	level.Info(logger).Log("msg", "re-exec requested, quiescing connections and marshalling bus state")
	conns := b.RequestReexec()
	level.Info(logger).Log("msg", "connections checkpointed for re-exec", "count", len(conns))

	w := marshal.NewWriter(b.MarshalSize(conns))
	b.Marshal(w, conns)

	stateFD, err := unix.MemfdCreate("mds-reexec-state", 0)
	if err != nil {
		return err
	}
	if _, err := unix.Write(stateFD, w.Bytes()); err != nil {
		unix.Close(stateFD)
		return err
	}
	if _, err := unix.Seek(stateFD, 0, io.SeekStart); err != nil {
		unix.Close(stateFD)
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		unix.Close(stateFD)
		return err
	}
	argv := []string{
		exe,
		"--socket-fd", strconv.Itoa(socketFD),
		"--state-fd", strconv.Itoa(stateFD),
		"--respawn",
	}
	level.Info(logger).Log("msg", "replacing process image", "exe", exe)
	return syscall.Exec(exe, argv, os.Environ())
}
