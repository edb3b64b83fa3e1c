// Package dbustest runs a private dbus-daemon for tests.
package dbustest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danderson/dynbus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// busConfig is a session bus configuration with no access control.
const busConfig = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:tmpdir=/tmp</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

const startTimeout = 10 * time.Second

// Available reports whether dbus-daemon and dbus-monitor are
// installed.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is a dbus-daemon private to one test.
type Bus struct {
	log  *zap.Logger
	sock string

	daemon  *process
	monitor *process
}

// New starts a bus for the calling test and stops it when the test
// ends. It skips the test if [Available] reports false.
//
// If monitor is true, every message that crosses the bus is logged
// to the test log.
func New(t *testing.T, monitor bool) *Bus {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}

	tmp := t.TempDir()
	cfg := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfg, []byte(busConfig), 0600); err != nil {
		t.Fatalf("writing bus config: %v", err)
	}

	ret := &Bus{
		log:  zaptest.NewLogger(t),
		sock: filepath.Join(tmp, "bus.sock"),
	}
	addr := "unix:path=" + ret.sock

	var err error
	ret.daemon, err = start(ret.log.Named("dbus-daemon"), "dbus-daemon", "--config-file="+cfg, "--nofork", "--nopidfile", "--nosyslog", "--address="+addr)
	if err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if monitor {
		ret.monitor, err = start(ret.log.Named("dbus-monitor"), "dbus-monitor", "--address", addr)
		if err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		select {
		case <-ret.monitor.firstLine:
		case <-ctx.Done():
			t.Fatalf("waiting for monitor: %v", ctx.Err())
		}
	}

	return ret
}

func waitForSocket(ctx context.Context, path string) error {
	for {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Bus) close() {
	if b.monitor != nil {
		b.monitor.stop(b.log)
	}
	b.daemon.stop(b.log)
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus address, in the format of
// DBUS_SESSION_BUS_ADDRESS.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a new connection to the bus, closed when the test
// ends. It fails the test if it cannot connect.
func (b *Bus) MustConn(t *testing.T) *dynbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	ret, err := dynbus.Dial(ctx, b.sock, dynbus.Options{Logger: b.log.Named("conn")})
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// process is a child process whose output is logged line by line.
type process struct {
	cmd       *exec.Cmd
	stopping  chan struct{}
	done      chan struct{}
	logged    chan struct{}
	firstLine chan struct{}
}

func start(log *zap.Logger, name string, args ...string) (*process, error) {
	r, w := io.Pipe()
	ret := &process{
		cmd:       exec.Command(name, args...),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		logged:    make(chan struct{}),
		firstLine: make(chan struct{}),
	}
	ret.cmd.Stdout = w
	ret.cmd.Stderr = w
	if err := ret.cmd.Start(); err != nil {
		return nil, err
	}

	go ret.logOutput(log, r)
	go func() {
		defer close(ret.done)
		err := ret.cmd.Wait()
		w.Close()
		<-ret.logged
		select {
		case <-ret.stopping:
		default:
			panic(fmt.Errorf("%s stopped prematurely: %w", name, err))
		}
	}()
	return ret, nil
}

// logOutput logs r, grouping dbus-monitor's multi-line message dumps
// into one entry per message.
func (p *process) logOutput(log *zap.Logger, r io.Reader) {
	defer close(p.logged)
	var (
		sc    = bufio.NewScanner(r)
		entry []string
		first = true
	)
	flush := func() {
		if len(entry) == 0 {
			return
		}
		log.Info(strings.Join(entry, "\n"))
		entry = entry[:0]
		if first {
			close(p.firstLine)
			first = false
		}
	}
	for sc.Scan() {
		line := sc.Text()
		if isMessageStart(line) {
			flush()
		}
		entry = append(entry, line)
	}
	flush()
}

func isMessageStart(line string) bool {
	for _, prefix := range []string{"method ", "signal ", "error "} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func (p *process) stop(log *zap.Logger) {
	close(p.stopping)
	p.cmd.Process.Kill()
	select {
	case <-p.done:
	case <-time.After(startTimeout):
		log.Warn("timed out waiting for process to stop", zap.String("cmd", p.cmd.Path))
	}
}
