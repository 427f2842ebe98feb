package lang

import (
	"fmt"
	"strings"

	"edusandbox/model"

	"go.starlark.net/starlark"
)

// RunEnv is the per-run state reachable from builtins through the thread.
type RunEnv struct {
	graphics func(model.Image)
	modules  map[string]starlark.Value
	figure   *figure
}

func envOf(thread *starlark.Thread) *RunEnv {
	env, _ := thread.Local(runEnvKey).(*RunEnv)
	if env == nil {
		env = &RunEnv{modules: map[string]starlark.Value{}}
		thread.SetLocal(runEnvKey, env)
	}
	return env
}

// builtins returns the names bound in every fresh namespace.
func (c *Context) builtins() starlark.StringDict {
	return starlark.StringDict{
		"print":      starlark.NewBuiltin("print", builtinPrint),
		"input":      starlark.NewBuiltin("input", builtinInput),
		"__import__": starlark.NewBuiltin("__import__", c.builtinImport),
	}
}

// print(*args, sep=" ", end="\n")
func builtinPrint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep, end := " ", "\n"
	for _, kv := range kwargs {
		key, _ := starlark.AsString(kv[0])
		if kv[1] == starlark.None {
			continue
		}
		s, ok := starlark.AsString(kv[1])
		if !ok {
			return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("%s must be None or a string, not %s", key, kv[1].Type())}
		}
		switch key {
		case "sep":
			sep = s
		case "end":
			end = s
		default:
			return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("print() got an unexpected keyword argument '%s'", key)}
		}
	}

	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(sep)
		}
		if s, ok := starlark.AsString(arg); ok {
			sb.WriteString(s)
		} else {
			sb.WriteString(arg.String())
		}
	}
	sb.WriteString(end)

	out, ok := thread.Local(outputKey).(*outputBuffer)
	if !ok {
		thread.Print(thread, strings.TrimSuffix(sb.String(), "\n"))
		return starlark.None, nil
	}
	out.WriteString(sb.String())
	return starlark.None, nil
}

// input is replaced before submission when it appears as an assignment; any
// other use cannot be answered from inside the sandbox.
func builtinInput(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return nil, &KindError{
		Kind: "RuntimeError",
		Msg:  "input() is only supported as `name = input(...)` or `name = float(input(...))`",
	}
}

// __import__(name) returns an installed or standard module.
func (c *Context) builtinImport(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return c.registry.module(envOf(thread), name)
}
