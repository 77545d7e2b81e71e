package module

import (
	"context"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

// APIVersion is exposed to scripts as the API_VERSION global.
const APIVersion = 1

// scriptVM runs a module's main.lua. A LState is single-threaded, so every
// call goes through mu.
type scriptVM struct {
	mu     sync.Mutex
	state  *lua.LState
	name   string
	logger log.Log
}

// LoadScript builds an artifact from the manifest in dir and its Lua entry
// point. The script is executed once here so its globals exist before
// initialize runs.
func LoadScript(dir string, logger log.Log) (*Artifact, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	return loadScript(dir, manifest, logger)
}

func loadScript(dir string, manifest *Manifest, logger log.Log) (*Artifact, error) {
	const op = "module.load_script"

	typ, err := ParseType(manifest.Type)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}

	vm := &scriptVM{
		state:  lua.NewState(),
		name:   manifest.Name,
		logger: logger.With(log.String("module", manifest.Name)),
	}
	vm.state.SetGlobal("API_VERSION", lua.LNumber(APIVersion))
	vm.state.SetGlobal("MODULE_NAME", lua.LString(manifest.Name))
	vm.state.SetGlobal("log", vm.state.NewFunction(vm.luaLog))

	if err := vm.state.DoFile(manifest.scriptPath(dir)); err != nil {
		vm.state.Close()
		return nil, failure.Wrap(failure.KindInvalidInput, op, err)
	}

	artifact := &Artifact{
		Metadata:  manifest.metadata(),
		Type:      typ,
		Lifecycle: vm,
		Path:      dir,
	}
	for _, e := range manifest.Exports {
		handler := e.Handler
		if handler == "" {
			handler = e.Function
		}
		if vm.state.GetGlobal(handler).Type() != lua.LTFunction {
			vm.state.Close()
			return nil, failure.Newf(failure.KindInvalidInput, op, "%s: export %q has no Lua function %q", manifest.Name, e.Function, handler)
		}
		artifact.Exports = append(artifact.Exports, Export{
			View:     e.View,
			Function: e.Function,
			Fn:       vm.export(handler),
		})
	}
	return artifact, nil
}

func (vm *scriptVM) luaLog(L *lua.LState) int {
	vm.logger.Info(L.CheckString(1))
	return 0
}

// call invokes global fn with args. Scripts return (value) or (nil, err);
// a missing global yields ("", false, nil).
func (vm *scriptVM) call(fn string, args ...lua.LValue) (string, bool, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.state == nil {
		return "", false, failure.Newf(failure.KindInvalidState, "module.script", "%s is shut down", vm.name)
	}
	global := vm.state.GetGlobal(fn)
	if global.Type() != lua.LTFunction {
		return "", false, nil
	}
	if err := vm.state.CallByParam(lua.P{Fn: global, NRet: 2, Protect: true}, args...); err != nil {
		return "", true, failure.Wrap(failure.KindGeneric, "module.script."+fn, err)
	}
	result, errValue := vm.state.Get(-2), vm.state.Get(-1)
	vm.state.Pop(2)

	if errValue != lua.LNil {
		return "", true, failure.Newf(failure.KindGeneric, "module.script."+fn, "%s", errValue.String())
	}
	if result == lua.LNil {
		return "", true, nil
	}
	return lua.LVAsString(result), true, nil
}

func (vm *scriptVM) export(handler string) func(context.Context, []byte) ([]byte, error) {
	return func(_ context.Context, payload []byte) ([]byte, error) {
		out, _, err := vm.call(handler, lua.LString(payload))
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}
}

func (vm *scriptVM) Initialize(_ context.Context, args []byte) error {
	_, _, err := vm.call("initialize", lua.LString(args))
	return err
}

// Shutdown runs the script's shutdown hook and closes the VM.
func (vm *scriptVM) Shutdown(_ context.Context) error {
	_, _, err := vm.call("shutdown")

	vm.mu.Lock()
	if vm.state != nil {
		vm.state.Close()
		vm.state = nil
	}
	vm.mu.Unlock()
	return err
}

func (vm *scriptVM) SaveState(_ context.Context) ([]byte, error) {
	out, ok, err := vm.call("save_state")
	if err != nil || !ok {
		return nil, err
	}
	return []byte(out), nil
}

func (vm *scriptVM) RestoreState(_ context.Context, state []byte) error {
	_, _, err := vm.call("restore_state", lua.LString(state))
	return err
}
