package lua

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// OutputRecord is one chunk of script output.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("lua engine closed")

// LuaError is a script failure with the position Lua reported.
type LuaError struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
	Cause   error
}

func (e *LuaError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("Lua %s error (%s): %s", e.Type, strings.Join(parts, ", "), e.Message)
}

func (e *LuaError) Unwrap() error { return e.Cause }

// Is matches another *LuaError of the same Type.
func (e *LuaError) Is(target error) bool {
	var t *LuaError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

var luaPosition = regexp.MustCompile(`^(?:\[string ".*?"\]|[^:\s]+):(\d+): (.*)$`)

func newLuaError(typ, source, msg string, cause error) *LuaError {
	le := &LuaError{Type: typ, Message: msg, Source: source, Cause: cause}
	first, _, _ := strings.Cut(msg, "\n")
	if m := luaPosition.FindStringSubmatch(first); m != nil {
		le.Line, _ = strconv.Atoi(m[1])
		le.Message = m[2]
	}
	return le
}

// Engine owns a Lua state. Every access to the state is serialized by its mutex; Go
// functions called from a running script receive the state directly and must not call
// back into DoWithState.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	output *RingChannel[OutputRecord]
}

// NewEngine creates an engine whose print output goes to a ring of outputCapacity records.
func NewEngine(logger *logrus.Logger, outputCapacity int) *Engine {
	e := &Engine{
		logger: logger,
		output: NewRingChannel[OutputRecord](outputCapacity),
		state:  lua.NewState(),
	}
	e.state.OpenLibs()
	e.registerPrint(e.state)
	return e
}

// Output returns the channel of captured print output and script errors.
func (e *Engine) Output() <-chan OutputRecord {
	return e.output.C()
}

func (e *Engine) write(source, content string) {
	if e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source}) {
		e.logger.Debug("Lua output buffer full, oldest record dropped")
	}
}

// DoWithState runs fn with exclusive access to the state.
func (e *Engine) DoWithState(fn func(L *lua.State) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrEngineClosed
	}
	return fn(e.state)
}

func (e *Engine) registerPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, strconv.FormatBool(L.ToBoolean(i)))
			case L.IsNumber(i) || L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.write("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// SafeWrap recovers Go panics in fn and turns them into Lua errors named after the function.
func (e *Engine) SafeWrap(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) (n int) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if _, ok := r.(*lua.LuaError); ok {
				panic(r)
			}
			e.logger.WithFields(logrus.Fields{
				"function": name,
				"panic":    r,
			}).Errorf("Go function panicked\n%s", debug.Stack())
			L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
		}()
		return fn(L)
	}
}

// SetArgs publishes args as the global arg table.
func (e *Engine) SetArgs(args map[string]string) error {
	return e.DoWithState(func(L *lua.State) error {
		L.NewTable()
		for k, v := range args {
			L.PushString(v)
			L.SetField(-2, k)
		}
		L.SetGlobal("arg")
		return nil
	})
}

// Run compiles and executes script. name identifies it in errors.
func (e *Engine) Run(name, script string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}
	return e.DoWithState(func(L *lua.State) error {
		top := L.GetTop()
		defer L.SetTop(top)

		if status := L.LoadString(script); status != 0 {
			msg := L.ToString(-1)
			le := newLuaError("syntax", name, msg, nil)
			e.write("stderr", le.Error()+"\n")
			return le
		}
		if err := L.Call(0, 0); err != nil {
			le := newLuaError("runtime", name, err.Error(), err)
			e.write("stderr", le.Error()+"\n")
			return le
		}
		return nil
	})
}

// RunFile executes a script file.
func (e *Engine) RunFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Run(path, string(content))
}

// GetGlobalString reads a string global, mostly for tests and embedding hosts.
func (e *Engine) GetGlobalString(name string) (string, error) {
	var out string
	err := e.DoWithState(func(L *lua.State) error {
		L.GetGlobal(name)
		defer L.Pop(1)
		if !L.IsString(-1) {
			return fmt.Errorf("global variable %s is not a string", name)
		}
		out = L.ToString(-1)
		return nil
	})
	return out, err
}

// GetGlobalInteger reads a numeric global.
func (e *Engine) GetGlobalInteger(name string) (int, error) {
	var out int
	err := e.DoWithState(func(L *lua.State) error {
		L.GetGlobal(name)
		defer L.Pop(1)
		if !L.IsNumber(-1) {
			return fmt.Errorf("global variable %s is not a number", name)
		}
		out = L.ToInteger(-1)
		return nil
	})
	return out, err
}

// Close releases the state. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
