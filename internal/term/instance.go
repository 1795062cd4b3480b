// Package term owns the agent-side pseudo-terminals: one Instance per
// shell, plus the Manager that keys them by id and survives control-channel
// rebuilds. Output produced while the tunnel is down is buffered per
// instance (capped, oldest-dropped) and drained on reconnect.
package term

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// MaxBufferSize caps the per-instance disconnect buffer at 1 MiB. On
// overflow the oldest bytes are dropped; a terminal cares about recency.
const MaxBufferSize = 1024 * 1024

const readChunkSize = 4096

// monitor poll interval for child exit
const monitorInterval = 500 * time.Millisecond

// Output is one chunk of PTY output. Empty Data is the exit sentinel the
// monitor emits when the shell terminates while the tunnel is up.
type Output struct {
	InstanceID uuid.UUID
	Data       []byte
}

// Instance wraps a single shell child and its PTY master. The reader
// goroutine either delivers chunks to the current sink or buffers them,
// depending on the connected flag; both are swapped atomically by the
// reconnect handshake (RebindSink / SetConnected).
type Instance struct {
	ID  uuid.UUID
	Cwd string

	cmd  *exec.Cmd
	ptmx *os.File

	mu        sync.Mutex
	sink      chan<- Output
	connected bool
	// unbound is closed when the sink is abandoned so a reader blocked on a
	// full sink falls back to buffering instead of hanging forever.
	unbound chan struct{}
	buffer  []byte

	done chan struct{} // closed when the child exits
	stop chan struct{} // closed by Close to end the monitor
}

// shellCommand picks the host shell: cmd.exe on Windows, $SHELL else /bin/sh.
func shellCommand() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// NewInstance opens an 80x24 PTY, spawns the host shell in cwd and starts
// the reader and monitor goroutines. The instance starts connected to sink.
func NewInstance(id uuid.UUID, cwd string, sink chan<- Output) (*Instance, error) {
	cmd := exec.Command(shellCommand())
	cmd.Dir = cwd

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	inst := &Instance{
		ID:        id,
		Cwd:       cwd,
		cmd:       cmd,
		ptmx:      ptmx,
		sink:      sink,
		connected: true,
		unbound:   make(chan struct{}),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}

	go inst.waitLoop()
	go inst.readLoop()
	go inst.monitorLoop()

	slog.Info("spawned shell", "instance", id, "cwd", cwd)
	return inst, nil
}

func (s *Instance) waitLoop() {
	s.cmd.Wait()
	close(s.done)
}

// readLoop pulls PTY output and routes it to the sink or the buffer.
func (s *Instance) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.deliver(data)
		}
		if err != nil {
			// EOF, or EIO once the child side is gone. Either way the
			// stream is over.
			if err != io.EOF {
				slog.Debug("pty read ended", "instance", s.ID, "err", err)
			}
			return
		}
	}
}

// deliver sends one chunk to the sink when connected, otherwise buffers it.
// A send interrupted by sink abandonment is re-routed to the buffer so no
// bytes are lost across a reconnect.
func (s *Instance) deliver(data []byte) {
	s.mu.Lock()
	connected, sink, unbound := s.connected, s.sink, s.unbound
	if !connected || sink == nil {
		s.appendBufferLocked(data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case sink <- Output{InstanceID: s.ID, Data: data}:
	case <-unbound:
		s.mu.Lock()
		s.appendBufferLocked(data)
		s.mu.Unlock()
	}
}

// appendBufferLocked grows the disconnect buffer, dropping the oldest bytes
// when the cap would be exceeded. Caller holds mu.
func (s *Instance) appendBufferLocked(data []byte) {
	if len(s.buffer)+len(data) > MaxBufferSize {
		overflow := len(s.buffer) + len(data) - MaxBufferSize
		if overflow >= len(s.buffer) {
			s.buffer = s.buffer[:0]
			if len(data) > MaxBufferSize {
				data = data[len(data)-MaxBufferSize:]
			}
		} else {
			s.buffer = s.buffer[overflow:]
		}
		slog.Debug("output buffer overflow", "instance", s.ID, "dropped", overflow)
	}
	s.buffer = append(s.buffer, data...)
}

// monitorLoop watches for child exit and, if the tunnel is up at that
// moment, emits the empty-payload exit sentinel.
func (s *Instance) monitorLoop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			connected, sink, unbound := s.connected, s.sink, s.unbound
			s.mu.Unlock()
			if connected && sink != nil {
				select {
				case sink <- Output{InstanceID: s.ID}:
				case <-unbound:
				}
			}
			slog.Info("shell exited", "instance", s.ID)
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Write sends input bytes to the shell.
func (s *Instance) Write(data []byte) error {
	if _, err := s.ptmx.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize applies a new window size. No-op when no master is held.
func (s *Instance) Resize(cols, rows uint16) error {
	if s.ptmx == nil {
		return nil
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill terminates the shell child.
func (s *Instance) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill shell: %w", err)
	}
	return nil
}

// IsRunning polls the child without blocking.
func (s *Instance) IsRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// RebindSink atomically swaps in a new output sink and marks the instance
// connected. Called for every instance when the agent re-registers.
func (s *Instance) RebindSink(sink chan<- Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		// Abandon the previous sink first so a blocked reader moves on.
		close(s.unbound)
	}
	s.sink = sink
	s.connected = true
	s.unbound = make(chan struct{})
	slog.Debug("rebound output sink", "instance", s.ID)
}

// SetConnected flips the connected flag. Turning it off releases any
// reader blocked on the sink into buffering mode.
func (s *Instance) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return
	}
	s.connected = connected
	if !connected {
		close(s.unbound)
		s.unbound = make(chan struct{})
	}
}

// Connected reports the current flag, mostly for tests.
func (s *Instance) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// DrainBuffer takes and clears everything buffered while disconnected.
func (s *Instance) DrainBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = nil
	return out
}

// Close kills the child if needed and releases the PTY.
func (s *Instance) Close() {
	if s.IsRunning() {
		s.Kill()
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.ptmx.Close()
}
