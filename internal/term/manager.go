package term

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Info is the reconnection-sync view of one live instance.
type Info struct {
	ID  uuid.UUID
	Cwd string
}

// Manager keys the agent's PTY instances by id. It deliberately outlives
// the control channel: instances keep running while the agent reconnects.
type Manager struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{instances: make(map[uuid.UUID]*Instance)}
}

// Create spawns a new shell instance bound to sink. The id is assigned by
// the server; duplicates and non-directory cwds are rejected.
func (m *Manager) Create(id uuid.UUID, cwd string, sink chan<- Output) (*Instance, error) {
	fi, err := os.Stat(cwd)
	if err != nil {
		return nil, fmt.Errorf("working directory %q: %w", cwd, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("working directory %q is not a directory", cwd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; ok {
		return nil, fmt.Errorf("instance %s already exists", id)
	}
	inst, err := NewInstance(id, cwd, sink)
	if err != nil {
		return nil, err
	}
	m.instances[id] = inst
	return inst, nil
}

// Close kills and removes an instance.
func (m *Manager) Close(id uuid.UUID) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	inst.Close()
	slog.Info("closed instance", "instance", id)
	return nil
}

// Write forwards input bytes to an instance's shell.
func (m *Manager) Write(id uuid.UUID, data []byte) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	return inst.Write(data)
}

// Resize forwards a window-size change to an instance.
func (m *Manager) Resize(id uuid.UUID, cols, rows uint16) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	return inst.Resize(cols, rows)
}

func (m *Manager) get(id uuid.UUID) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	return inst, nil
}

// RebindAll points every instance at a fresh sink after a reconnect.
func (m *Manager) RebindAll(sink chan<- Output) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		inst.RebindSink(sink)
	}
}

// SetAllDisconnected flips every instance into buffering mode. Called
// before tearing down a control channel.
func (m *Manager) SetAllDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		inst.SetConnected(false)
	}
}

// DrainAll collects the disconnect buffers of all instances, skipping the
// empty ones. Sent as one frame per instance right after re-registering.
func (m *Manager) DrainAll() map[uuid.UUID][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID][]byte)
	for id, inst := range m.instances {
		if buf := inst.DrainBuffer(); len(buf) > 0 {
			out[id] = buf
		}
	}
	return out
}

// RunningInfo lists the instances whose shell is still alive, for the
// register frame's reconnection-sync list.
func (m *Manager) RunningInfo() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.instances))
	for id, inst := range m.instances {
		if !inst.IsRunning() {
			continue
		}
		infos = append(infos, Info{ID: id, Cwd: inst.Cwd})
	}
	return infos
}

// ReapDead removes instances whose shell has exited and returns their ids.
func (m *Manager) ReapDead() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dead []uuid.UUID
	for id, inst := range m.instances {
		if inst.IsRunning() {
			continue
		}
		inst.Close()
		delete(m.instances, id)
		dead = append(dead, id)
	}
	return dead
}

// Len reports the number of tracked instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// CloseAll tears down every instance. Used on agent shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		inst.Close()
		delete(m.instances, id)
	}
}
