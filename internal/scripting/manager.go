package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// TickHook is the Lua global called once per loop iteration with the delta in seconds.
const TickHook = "on_tick"

// Manager owns the sandboxed VM for one game and dispatches hooks into it.
//
// The VM is single-threaded; calls are serialized by mu. ticks is read by
// engine.ticks() both under mu and from scripts run by Load.
type Manager struct {
	mu        sync.Mutex
	state     *lua.LState
	instLimit int
	game      string
	ticks     atomic.Uint64
	logger    *zap.Logger

	// SetRate is injected after construction. nil makes engine.set_rate a no-op.
	SetRate func(rate float64) error
}

// NewManager creates a Manager for the named game.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Manager with no VM loaded; hooks are no-ops until Load.
func NewManager(game string, logger *zap.Logger) *Manager {
	return &Manager{
		game:   game,
		logger: logger.With(zap.String("game", game)),
	}
}

// Load creates a sandboxed VM, registers the engine modules, then executes
// every *.lua file in scriptDir in lexicographic order. A previously loaded
// VM is replaced.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: Returns an error on read or Lua load failure, leaving any
// previous VM in place.
func (m *Manager) Load(scriptDir string, instLimit int) error {
	L := NewSandboxedState(instLimit)
	m.RegisterModules(L)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		cancel := Refill(L, instLimit)
		err := L.DoFile(path)
		cancel()
		if err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	if m.state != nil {
		m.state.Close()
	}
	m.state = L
	m.instLimit = instLimit
	m.mu.Unlock()

	m.logger.Info("scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(luaFiles)),
	)
	return nil
}

// Loaded reports whether a VM is present.
func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil
}

// CallHook calls the named Lua global function with a fresh instruction
// budget. Returns (LNil, nil) if no VM is loaded or the hook is not defined.
// Lua runtime errors are logged at Warn level and never propagated.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callLocked(hook, args...)
}

func (m *Manager) callLocked(hook string, args ...lua.LValue) (lua.LValue, error) {
	L := m.state
	if L == nil {
		return lua.LNil, nil
	}

	fn := L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}

	cancel := Refill(L, m.instLimit)
	defer cancel()
	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// OnTick calls the on_tick hook with delta. Script failures are logged and
// never interrupt the loop.
func (m *Manager) OnTick(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks.Add(1)
	_, _ = m.callLocked(TickHook, lua.LNumber(delta))
}

// Ticks returns how many times OnTick has been called.
func (m *Manager) Ticks() uint64 {
	return m.ticks.Load()
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}
