// Package supervisor implements the process-lifecycle half of spec.md
// §4.H: claiming a display index, creating its listening socket, and
// spawning (then respawning, on abnormal death) the bus process that
// inherits it — grounded on original_source/src/mds.c
// (spawn_and_respawn_server, create_runtime_root_directory, and main's
// PID-file scan loop).
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DisplayMax bounds how many concurrent displays a host may run,
// mirroring mds.c's DISPLAY_MAX.
const DisplayMax = 256

// RespawnTimeLimit is how long a bus process must stay alive for its
// death to be considered a respawn-worthy crash rather than a
// fast-failing misconfiguration, mirroring RESPAWN_TIME_LIMIT_SECONDS.
const RespawnTimeLimit = 2 * time.Second

// Paths names the runtime files for one display: its PID file and its
// listening socket, both under RootDir.
type Paths struct {
	RootDir string
	Display int
}

func (p Paths) PIDFile() string  { return filepath.Join(p.RootDir, fmt.Sprintf("%d.pid", p.Display)) }
func (p Paths) SocketFile() string {
	return filepath.Join(p.RootDir, fmt.Sprintf("%d.socket", p.Display))
}

// EnsureRootDir creates root (mode 0755) if it does not already exist,
// grounded on create_runtime_root_directory.
func EnsureRootDir(root string) error {
	info, err := os.Stat(root)
	if err == nil {
		if !info.IsDir() {
			return errors.Errorf("supervisor: %s exists and is not a directory", root)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrap(err, "supervisor: stat runtime root")
	}
	return os.MkdirAll(root, 0755)
}

// ClaimDisplay scans 0..DisplayMax-1 for the lowest display index whose
// PID file either does not exist or names a process that is no longer
// running, creates that PID file atomically, and returns the claimed
// display along with its Paths. Grounded on mds.c main's O_CREAT|O_EXCL
// scan-and-reuse loop.
func ClaimDisplay(root string) (Paths, error) {
	for display := 0; display < DisplayMax; display++ {
		paths := Paths{RootDir: root, Display: display}
		fd, err := os.OpenFile(paths.PIDFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fd.Close()
			return paths, nil
		}
		if !os.IsExist(err) {
			return Paths{}, errors.Wrapf(err, "supervisor: create pid file for display %d", display)
		}
		stale, err := pidFileIsStale(paths.PIDFile())
		if err != nil {
			continue
		}
		if stale {
			if err := os.Remove(paths.PIDFile()); err != nil {
				continue
			}
			fd, err := os.OpenFile(paths.PIDFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
			if err != nil {
				continue
			}
			fd.Close()
			return paths, nil
		}
	}
	return Paths{}, errors.Errorf("supervisor: no free display below %d", DisplayMax)
}

// pidFileIsStale reads a PID file and reports whether the process it
// names is no longer alive (signal 0 fails with ESRCH).
func pidFileIsStale(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false, errors.New("supervisor: empty pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return false, errors.Wrap(err, "supervisor: invalid pid file content")
	}
	err = unix.Kill(pid, 0)
	return errors.Is(err, unix.ESRCH), nil
}

// WritePID writes the calling process's PID into the claimed display's
// PID file.
func WritePID(paths Paths) error {
	return os.WriteFile(paths.PIDFile(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// ReleaseDisplay removes the PID file and socket file for paths,
// mirroring mds.c main's cleanup after spawn_and_respawn_server returns.
func ReleaseDisplay(paths Paths) {
	os.Remove(paths.PIDFile())
	os.Remove(paths.SocketFile())
}

// CreateSocket creates, chmods (0700) and listen()s a Unix-domain
// stream socket at path, replacing any stale socket file left by a
// prior run. Grounded on mds.c main's socket/bind/listen/fchmod
// sequence; auth (fchown to a restricted group) is out of scope per
// spec.md's non-goals.
func CreateSocket(path string) (*os.File, error) {
	_ = os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: create socket")
	}
	if err := unix.Fchmod(fd, 0700); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "supervisor: fchmod socket")
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "supervisor: bind socket")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "supervisor: listen on socket")
	}
	return os.NewFile(uintptr(fd), path), nil
}

// SpawnAndRespawn runs binaryPath with args repeatedly, passing socket
// as its sole inherited extra file descriptor (fd 3 in the child), and
// respawns it after an abnormal exit that occurred at least
// RespawnTimeLimit after the previous spawn. The first spawn is given
// "--initial-spawn"; every respawn after that is given "--respawn"
// instead, matching spawn_and_respawn_server's child_args flip. It
// returns when the child exits normally, is terminated by SIGTERM, dies
// too quickly to respawn, or ctx is cancelled; death by any other
// signal or a non-zero exit status counts as abnormal and is respawned.
func SpawnAndRespawn(ctx context.Context, logger log.Logger, binaryPath string, args []string, socket *os.File) error {
	firstSpawn := true
	for {
		spawnFlag := "--respawn"
		if firstSpawn {
			spawnFlag = "--initial-spawn"
		}
		cmd := exec.CommandContext(ctx, binaryPath, append(append([]string{}, args...), spawnFlag, "--socket-fd", "3")...)
		cmd.ExtraFiles = []*os.File{socket}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		start := time.Now()
		if err := cmd.Start(); err != nil {
			return errors.Wrap(err, "supervisor: spawn bus process")
		}
		level.Info(logger).Log("msg", "spawned bus process", "pid", cmd.Process.Pid, "initial", firstSpawn)

		err := cmd.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var exitErr *exec.ExitError
		if err == nil {
			return nil // clean exit: do not respawn
		}
		if !errors.As(err, &exitErr) {
			return errors.Wrap(err, "supervisor: wait for bus process")
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
			return nil // terminated deliberately: do not respawn
		}

		if time.Since(start) < RespawnTimeLimit {
			return errors.New("supervisor: bus process died too quickly, not respawning")
		}
		level.Warn(logger).Log("msg", "bus process died abnormally, respawning")
		firstSpawn = false
	}
}
