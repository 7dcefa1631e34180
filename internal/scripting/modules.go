package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules defines the game global and the engine table in L:
//
//	game                 the configured game name
//	engine.log(msg)      logs msg at info level
//	engine.ticks()       number of on_tick calls so far
//	engine.set_rate(r)   changes the loop's target rate; returns true on success
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: game and engine globals are defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	L.SetGlobal("game", lua.LString(m.game))

	engine := L.NewTable()
	L.SetField(engine, "log", L.NewFunction(m.luaLog))
	L.SetField(engine, "ticks", L.NewFunction(m.luaTicks))
	L.SetField(engine, "set_rate", L.NewFunction(m.luaSetRate))
	L.SetGlobal("engine", engine)
}

func (m *Manager) luaLog(L *lua.LState) int {
	m.logger.Info("script", zap.String("game", m.game), zap.String("msg", L.CheckString(1)))
	return 0
}

func (m *Manager) luaTicks(L *lua.LState) int {
	L.Push(lua.LNumber(m.ticks.Load()))
	return 1
}

func (m *Manager) luaSetRate(L *lua.LState) int {
	rate := float64(L.CheckNumber(1))
	if m.SetRate == nil {
		L.Push(lua.LFalse)
		return 1
	}
	if err := m.SetRate(rate); err != nil {
		m.logger.Warn("scripting: set_rate rejected", zap.Float64("rate", rate), zap.Error(err))
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}
