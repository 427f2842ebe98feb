package lang

import (
	"fmt"
	"math"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// maxArrayLen caps the arrays user code can allocate (128 MiB of float64).
const maxArrayLen = 1 << 24

func checkArrayLen(n float64) error {
	if n > maxArrayLen {
		return &KindError{
			Kind: "MemoryError",
			Msg:  fmt.Sprintf("Unable to allocate an array with shape (%.0f,); the limit is %d elements", n, maxArrayLen),
		}
	}
	return nil
}

// ndarray is a one-dimensional float64 array with element-wise arithmetic.
type ndarray struct {
	data   []float64
	frozen bool
}

var (
	_ starlark.Value     = (*ndarray)(nil)
	_ starlark.HasBinary = (*ndarray)(nil)
	_ starlark.HasUnary  = (*ndarray)(nil)
	_ starlark.Indexable = (*ndarray)(nil)
	_ starlark.Iterable  = (*ndarray)(nil)
	_ starlark.Sequence  = (*ndarray)(nil)
)

func (a *ndarray) String() string {
	parts := make([]string, len(a.data))
	for i, v := range a.data {
		parts[i] = starlark.Float(v).String()
	}
	return "array([" + strings.Join(parts, ", ") + "])"
}

func (a *ndarray) Type() string          { return "ndarray" }
func (a *ndarray) Freeze()               { a.frozen = true }
func (a *ndarray) Truth() starlark.Bool  { return len(a.data) > 0 }
func (a *ndarray) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: ndarray") }
func (a *ndarray) Len() int              { return len(a.data) }

func (a *ndarray) Index(i int) starlark.Value {
	return starlark.Float(a.data[i])
}

func (a *ndarray) Iterate() starlark.Iterator {
	return &ndarrayIterator{a: a}
}

type ndarrayIterator struct {
	a *ndarray
	i int
}

func (it *ndarrayIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.a.data) {
		return false
	}
	*p = starlark.Float(it.a.data[it.i])
	it.i++
	return true
}

func (it *ndarrayIterator) Done() {}

func (a *ndarray) Unary(op syntax.Token) (starlark.Value, error) {
	switch op {
	case syntax.MINUS:
		return a.mapped(func(v float64) float64 { return -v }), nil
	case syntax.PLUS:
		return a.mapped(func(v float64) float64 { return v }), nil
	}
	return nil, nil
}

func (a *ndarray) mapped(f func(float64) float64) *ndarray {
	out := make([]float64, len(a.data))
	for i, v := range a.data {
		out[i] = f(v)
	}
	return &ndarray{data: out}
}

var arrayOps = map[syntax.Token]func(x, y float64) float64{
	syntax.PLUS:     func(x, y float64) float64 { return x + y },
	syntax.MINUS:    func(x, y float64) float64 { return x - y },
	syntax.STAR:     func(x, y float64) float64 { return x * y },
	syntax.SLASH:    func(x, y float64) float64 { return x / y },
	syntax.STARSTAR: math.Pow,
}

func (a *ndarray) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	f, ok := arrayOps[op]
	if !ok {
		return nil, nil
	}
	if side == starlark.Right {
		g := f
		f = func(x, y float64) float64 { return g(y, x) }
	}

	if other, ok := y.(*ndarray); ok {
		if len(other.data) != len(a.data) {
			return nil, &KindError{
				Kind: "ValueError",
				Msg:  fmt.Sprintf("operands could not be broadcast together with shapes (%d,) (%d,)", len(a.data), len(other.data)),
			}
		}
		out := make([]float64, len(a.data))
		for i := range a.data {
			out[i] = f(a.data[i], other.data[i])
		}
		return &ndarray{data: out}, nil
	}

	scalar, ok := starlark.AsFloat(y)
	if !ok {
		return nil, nil
	}
	return a.mapped(func(v float64) float64 { return f(v, scalar) }), nil
}

// floatsOf flattens a number, array, list, tuple or range into float64s.
func floatsOf(v starlark.Value) ([]float64, error) {
	if a, ok := v.(*ndarray); ok {
		return append([]float64(nil), a.data...), nil
	}
	if f, ok := starlark.AsFloat(v); ok {
		return []float64{f}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("expected a sequence of numbers, got %s", v.Type())}
	}
	iter := iterable.Iterate()
	defer iter.Done()
	var (
		out  []float64
		elem starlark.Value
	)
	for iter.Next(&elem) {
		f, ok := starlark.AsFloat(elem)
		if !ok {
			return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("expected a number, got %s", elem.Type())}
		}
		out = append(out, f)
	}
	return out, nil
}

func numpyModules(env *RunEnv) map[string]starlark.Value {
	members := starlark.StringDict{
		"pi":       starlark.Float(math.Pi),
		"e":        starlark.Float(math.E),
		"array":    starlark.NewBuiltin("array", npArray),
		"linspace": starlark.NewBuiltin("linspace", npLinspace),
		"arange":   starlark.NewBuiltin("arange", npArange),
		"zeros":    starlark.NewBuiltin("zeros", npFilled(0)),
		"ones":     starlark.NewBuiltin("ones", npFilled(1)),
		"power":    starlark.NewBuiltin("power", npPower),
		"sum":      npReduce("sum", sumOf),
		"mean":     npReduce("mean", meanOf),
		"min":      npReduce("min", minOf),
		"max":      npReduce("max", maxOf),
	}
	for name, f := range map[string]func(float64) float64{
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"exp":  math.Exp,
		"log":  math.Log,
		"sqrt": math.Sqrt,
		"abs":  math.Abs,
	} {
		members[name] = npElementwise(name, f)
	}
	return map[string]starlark.Value{
		"numpy": &starlarkstruct.Module{Name: "numpy", Members: members},
	}
}

func npArray(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
		return nil, err
	}
	data, err := floatsOf(seq)
	if err != nil {
		return nil, err
	}
	return &ndarray{data: data}, nil
}

func npLinspace(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		start, stop starlark.Value
		num         = 50
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "num?", &num); err != nil {
		return nil, err
	}
	lo, ok1 := starlark.AsFloat(start)
	hi, ok2 := starlark.AsFloat(stop)
	if !ok1 || !ok2 {
		return nil, &KindError{Kind: "TypeError", Msg: "linspace bounds must be numbers"}
	}
	if num < 0 {
		return nil, &KindError{Kind: "ValueError", Msg: fmt.Sprintf("Number of samples, %d, must be non-negative.", num)}
	}
	if err := checkArrayLen(float64(num)); err != nil {
		return nil, err
	}
	data := make([]float64, num)
	switch num {
	case 0:
	case 1:
		data[0] = lo
	default:
		step := (hi - lo) / float64(num-1)
		for i := range data {
			data[i] = lo + float64(i)*step
		}
		data[num-1] = hi
	}
	return &ndarray{data: data}, nil
}

func npArange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a0, a1, a2 starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &a0, &a1, &a2); err != nil {
		return nil, err
	}
	nums := make([]float64, 0, 3)
	for _, v := range []starlark.Value{a0, a1, a2} {
		if v == nil {
			continue
		}
		f, ok := starlark.AsFloat(v)
		if !ok {
			return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("arange() arguments must be numbers, got %s", v.Type())}
		}
		nums = append(nums, f)
	}
	start, stop, step := 0.0, nums[0], 1.0
	if len(nums) > 1 {
		start, stop = nums[0], nums[1]
	}
	if len(nums) > 2 {
		step = nums[2]
	}
	if step == 0 {
		return nil, &KindError{Kind: "ZeroDivisionError", Msg: "arange() step must not be zero"}
	}
	count := math.Ceil((stop - start) / step)
	if math.IsNaN(count) || count < 0 {
		count = 0
	}
	if err := checkArrayLen(count); err != nil {
		return nil, err
	}
	data := make([]float64, int(count))
	for i := range data {
		data[i] = start + float64(i)*step
	}
	return &ndarray{data: data}, nil
}

func npFilled(value float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, &KindError{Kind: "ValueError", Msg: "negative dimensions are not allowed"}
		}
		if err := checkArrayLen(float64(n)); err != nil {
			return nil, err
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = value
		}
		return &ndarray{data: data}, nil
	}
}

func npPower(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base, exp starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &base, &exp); err != nil {
		return nil, err
	}
	if arr, ok := base.(*ndarray); ok {
		return arr.Binary(syntax.STARSTAR, exp, starlark.Left)
	}
	if arr, ok := exp.(*ndarray); ok {
		return arr.Binary(syntax.STARSTAR, base, starlark.Right)
	}
	x, ok1 := starlark.AsFloat(base)
	y, ok2 := starlark.AsFloat(exp)
	if !ok1 || !ok2 {
		return nil, &KindError{Kind: "TypeError", Msg: "power() arguments must be numbers or arrays"}
	}
	return starlark.Float(math.Pow(x, y)), nil
}

// npElementwise applies f to a scalar, or to every element of a sequence.
func npElementwise(name string, f func(float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		if scalar, ok := starlark.AsFloat(x); ok {
			return starlark.Float(f(scalar)), nil
		}
		data, err := floatsOf(x)
		if err != nil {
			return nil, err
		}
		return (&ndarray{data: data}).mapped(f), nil
	})
}

func npReduce(name string, f func([]float64) (float64, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		data, err := floatsOf(x)
		if err != nil {
			return nil, err
		}
		v, err := f(data)
		if err != nil {
			return nil, err
		}
		return starlark.Float(v), nil
	})
}

func sumOf(data []float64) (float64, error) {
	var total float64
	for _, v := range data {
		total += v
	}
	return total, nil
}

func meanOf(data []float64) (float64, error) {
	if len(data) == 0 {
		return math.NaN(), nil
	}
	total, _ := sumOf(data)
	return total / float64(len(data)), nil
}

func minOf(data []float64) (float64, error) {
	if len(data) == 0 {
		return 0, &KindError{Kind: "ValueError", Msg: "zero-size array to reduction operation minimum which has no identity"}
	}
	m := data[0]
	for _, v := range data[1:] {
		m = math.Min(m, v)
	}
	return m, nil
}

func maxOf(data []float64) (float64, error) {
	if len(data) == 0 {
		return 0, &KindError{Kind: "ValueError", Msg: "zero-size array to reduction operation maximum which has no identity"}
	}
	m := data[0]
	for _, v := range data[1:] {
		m = math.Max(m, v)
	}
	return m, nil
}
