package render

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	luajson "layeh.com/gopher-json"
)

// ErrNonBoolean reports a filter expression that evaluated to something
// other than true or false. It is a configuration-author error, not a
// per-entry one.
var ErrNonBoolean = errors.New("expression result is not a boolean")

// EvalError wraps a failure while evaluating an expression against one
// entry. The entry is skipped; its siblings still process.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("failed to evaluate %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Expr is a compiled Lua expression. Compilation happens once per
// configuration load; evaluation instantiates the proto in a per-poll
// Evaluator state.
type Expr struct {
	src   string
	proto *lua.FunctionProto
}

func (e *Expr) Source() string {
	return e.src
}

// CompileExpr compiles src as a Lua expression. Bare expressions like
// `item.guid` are wrapped in a return; full chunks with their own
// return statement are accepted as-is.
func CompileExpr(src string) (*Expr, error) {
	proto, err := compileChunk("return (" + src + ")")
	if err != nil {
		proto, err = compileChunk(src)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", src, err)
	}
	return &Expr{src: src, proto: proto}, nil
}

func compileChunk(chunk string) (*lua.FunctionProto, error) {
	parsed, err := parse.Parse(strings.NewReader(chunk), "expr")
	if err != nil {
		return nil, err
	}
	return lua.Compile(parsed, "expr")
}

// Evaluator owns one Lua state. States are not safe for concurrent use,
// so each group poll creates its own and closes it when done.
type Evaluator struct {
	state *lua.LState
}

func NewEvaluator() *Evaluator {
	L := lua.NewState()

	// no filesystem or process access from config-authored expressions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)

	luajson.Preload(L)

	return &Evaluator{state: L}
}

func (e *Evaluator) Close() {
	if e.state != nil {
		e.state.Close()
	}
}

// SetContext exposes the feed and entry as the globals `feed` and `item`.
// Values round-trip through JSON so expressions see the same field names
// the feed parser serializes.
func (e *Evaluator) SetContext(feed, item any) error {
	feedVal, err := toLuaValue(e.state, feed)
	if err != nil {
		return err
	}
	itemVal, err := toLuaValue(e.state, item)
	if err != nil {
		return err
	}
	e.state.SetGlobal("feed", feedVal)
	e.state.SetGlobal("item", itemVal)
	return nil
}

func toLuaValue(L *lua.LState, v any) (lua.LValue, error) {
	if v == nil {
		return lua.LNil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context value: %w", err)
	}
	val, err := luajson.Decode(L, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode context value: %w", err)
	}
	return val, nil
}

// Eval runs a compiled expression against the current context.
func (e *Evaluator) Eval(expr *Expr) (lua.LValue, error) {
	fn := e.state.NewFunctionFromProto(expr.proto)
	e.state.Push(fn)
	if err := e.state.PCall(0, 1, nil); err != nil {
		return nil, &EvalError{Expr: expr.src, Err: err}
	}
	v := e.state.Get(-1)
	e.state.Pop(1)
	return v, nil
}

// EvalBool evaluates a filter expression and requires a boolean result.
func (e *Evaluator) EvalBool(expr *Expr) (bool, error) {
	v, err := e.Eval(expr)
	if err != nil {
		return false, err
	}
	b, ok := v.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %s", ErrNonBoolean, expr.src, v.Type())
	}
	return bool(b), nil
}

// Fingerprint evaluates every update-key expression in declared order
// and hashes the results into a fixed-size digest.
func (e *Evaluator) Fingerprint(keys []*Expr) ([]byte, error) {
	h := sha256.New()
	for _, key := range keys {
		v, err := e.Eval(key)
		if err != nil {
			return nil, err
		}
		h.Write(valueBytes(v))
		h.Write([]byte{0}) // key separator, keeps adjacent values from merging
	}
	return h.Sum(nil), nil
}

func valueBytes(v lua.LValue) []byte {
	if s, ok := v.(lua.LString); ok {
		return []byte(s)
	}
	return []byte(v.String())
}
