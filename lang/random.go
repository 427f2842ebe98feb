package lang

import (
	"math/rand/v2"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func newRandomModule() starlark.Value {
	return &starlarkstruct.Module{
		Name: "random",
		Members: starlark.StringDict{
			"random":  starlark.NewBuiltin("random", randomFloat),
			"randint": starlark.NewBuiltin("randint", randomInt),
			"uniform": starlark.NewBuiltin("uniform", randomUniform),
			"choice":  starlark.NewBuiltin("choice", randomChoice),
		},
	}
}

func randomFloat(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Float(rand.Float64()), nil
}

// randint(a, b) includes both bounds.
func randomInt(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, &KindError{Kind: "ValueError", Msg: "empty range for randint()"}
	}
	return starlark.MakeInt(lo + rand.IntN(hi-lo+1)), nil
}

func randomUniform(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi starlark.Float
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	return lo + (hi-lo)*starlark.Float(rand.Float64()), nil
}

func randomChoice(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq starlark.Indexable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
		return nil, err
	}
	if seq.Len() == 0 {
		return nil, &KindError{Kind: "IndexError", Msg: "Cannot choose from an empty sequence"}
	}
	return seq.Index(rand.IntN(seq.Len())), nil
}
