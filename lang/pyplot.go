package lang

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/color"
	"math"
	"strings"

	"edusandbox/model"

	"github.com/reusee/starlarkutil"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	figureDPI    = 100
	figureWidth  = 6.4 // inches
	figureHeight = 4.8

	// maxFigureInches bounds each figsize side so a canvas stays under
	// 4000x4000 pixels.
	maxFigureInches = 40
)

type seriesKind int

const (
	seriesLine seriesKind = iota
	seriesScatter
	seriesBar
)

type series struct {
	kind    seriesKind
	xs, ys  []float64
	labels  []string // bar categories
	color   color.Color
	dashed  bool
	markers bool
	noLine  bool
	label   string
}

// figure accumulates pyplot calls until show or savefig renders it.
type figure struct {
	width, height float64
	title         string
	xlabel        string
	ylabel        string
	xlim, ylim    *[2]float64
	grid          bool
	legend        bool
	hlines        []refLine
	vlines        []refLine
	series        []series
}

// refLine is an axhline or axvline.
type refLine struct {
	pos    float64
	color  color.Color
	dashed bool
	width  float64
}

var refLineColor = color.Gray{Y: 0x60}

func (l refLine) style(ls *draw.LineStyle) {
	ls.Color = l.color
	ls.Width = vg.Points(l.width)
	if l.dashed {
		ls.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	}
}

func newFigure() *figure {
	return &figure{width: figureWidth, height: figureHeight}
}

func (f *figure) empty() bool {
	return len(f.series) == 0 && len(f.hlines) == 0 && len(f.vlines) == 0
}

func (e *RunEnv) currentFigure() *figure {
	if e.figure == nil {
		e.figure = newFigure()
	}
	return e.figure
}

var fmtColors = map[byte]color.Color{
	'b': color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	'g': color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	'r': color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	'c': color.RGBA{G: 0xbf, B: 0xbf, A: 0xff},
	'm': color.RGBA{R: 0xbf, B: 0xbf, A: 0xff},
	'y': color.RGBA{R: 0xbf, G: 0xbf, A: 0xff},
	'k': color.Black,
	'w': color.White,
}

var namedColors = map[string]byte{
	"blue": 'b', "green": 'g', "red": 'r', "cyan": 'c',
	"magenta": 'm', "yellow": 'y', "black": 'k', "white": 'w',
}

func parseColor(name string) (color.Color, bool) {
	if len(name) == 1 {
		c, ok := fmtColors[name[0]]
		return c, ok
	}
	if code, ok := namedColors[strings.ToLower(name)]; ok {
		return fmtColors[code], true
	}
	if len(name) == 7 && name[0] == '#' {
		var r, g, b uint8
		if _, err := fmt.Sscanf(name, "#%02x%02x%02x", &r, &g, &b); err == nil {
			return color.RGBA{R: r, G: g, B: b, A: 0xff}, true
		}
	}
	return nil, false
}

// applyFormat reads a matplotlib format string such as "r--" or "bo".
func (s *series) applyFormat(format string) error {
	rest := format
	hasMarker, hasLine := false, false
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "--"), strings.HasPrefix(rest, "-."):
			s.dashed, hasLine = true, true
			rest = rest[2:]
		case rest[0] == '-':
			hasLine = true
			rest = rest[1:]
		case rest[0] == ':':
			s.dashed, hasLine = true, true
			rest = rest[1:]
		case strings.IndexByte("o.x+*s^v", rest[0]) >= 0:
			hasMarker = true
			rest = rest[1:]
		default:
			c, ok := fmtColors[rest[0]]
			if !ok {
				return &KindError{Kind: "ValueError", Msg: fmt.Sprintf("Unrecognized character %c in format string '%s'", rest[0], format)}
			}
			s.color = c
			rest = rest[1:]
		}
	}
	s.markers = hasMarker
	s.noLine = hasMarker && !hasLine
	return nil
}

// applyKwargs handles the keyword arguments shared by plot, scatter and bar.
func (s *series) applyKwargs(kwargs []starlark.Tuple) error {
	for _, kv := range kwargs {
		key, _ := starlark.AsString(kv[0])
		str, isStr := starlark.AsString(kv[1])
		switch key {
		case "label":
			s.label = str
		case "color", "c":
			c, ok := parseColor(str)
			if !isStr || !ok {
				return &KindError{Kind: "ValueError", Msg: fmt.Sprintf("invalid color %s", kv[1])}
			}
			s.color = c
		case "linestyle", "ls":
			s.dashed = str == "--" || str == ":" || str == "-." || str == "dashed" || str == "dotted"
		case "marker":
			s.markers = isStr && str != ""
		case "linewidth", "lw", "alpha", "s", "width", "markersize":
			// accepted, rendering uses fixed styles
		default:
			return &KindError{Kind: "AttributeError", Msg: fmt.Sprintf("unexpected keyword argument '%s'", key)}
		}
	}
	return nil
}

func pyplotPlot(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	s := series{kind: seriesLine}
	if n := len(args); n > 0 {
		if format, ok := starlark.AsString(args[n-1]); ok {
			if err := s.applyFormat(format); err != nil {
				return nil, err
			}
			args = args[:n-1]
		}
	}
	switch len(args) {
	case 1:
		ys, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		s.ys = ys
		s.xs = make([]float64, len(ys))
		for i := range s.xs {
			s.xs[i] = float64(i)
		}
	case 2:
		xs, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		ys, err := floatsOf(args[1])
		if err != nil {
			return nil, err
		}
		s.xs, s.ys = xs, ys
	default:
		return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("plot() takes 1 or 2 data arguments, got %d", len(args))}
	}
	if len(s.xs) != len(s.ys) {
		return nil, &KindError{
			Kind: "ValueError",
			Msg:  fmt.Sprintf("x and y must have same first dimension, but have shapes (%d,) and (%d,)", len(s.xs), len(s.ys)),
		}
	}
	if err := s.applyKwargs(kwargs); err != nil {
		return nil, err
	}
	fig := envOf(thread).currentFigure()
	fig.series = append(fig.series, s)
	return starlark.None, nil
}

func pyplotScatter(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 2, &x, &y); err != nil {
		return nil, err
	}
	s := series{kind: seriesScatter, markers: true, noLine: true}
	var err error
	if s.xs, err = floatsOf(x); err != nil {
		return nil, err
	}
	if s.ys, err = floatsOf(y); err != nil {
		return nil, err
	}
	if len(s.xs) != len(s.ys) {
		return nil, &KindError{Kind: "ValueError", Msg: "x and y must be the same size"}
	}
	if err := s.applyKwargs(kwargs); err != nil {
		return nil, err
	}
	fig := envOf(thread).currentFigure()
	fig.series = append(fig.series, s)
	return starlark.None, nil
}

func pyplotBar(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, height starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 2, &x, &height); err != nil {
		return nil, err
	}
	s := series{kind: seriesBar}
	ys, err := floatsOf(height)
	if err != nil {
		return nil, err
	}
	s.ys = ys
	iterable, ok := x.(starlark.Iterable)
	if !ok {
		return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("bar() categories must be a sequence, got %s", x.Type())}
	}
	iter := iterable.Iterate()
	var elem starlark.Value
	for iter.Next(&elem) {
		if str, ok := starlark.AsString(elem); ok {
			s.labels = append(s.labels, str)
		} else {
			s.labels = append(s.labels, elem.String())
		}
	}
	iter.Done()
	if len(s.labels) != len(s.ys) {
		return nil, &KindError{Kind: "ValueError", Msg: "shape mismatch: objects cannot be broadcast to a single shape"}
	}
	if err := s.applyKwargs(kwargs); err != nil {
		return nil, err
	}
	fig := envOf(thread).currentFigure()
	fig.series = append(fig.series, s)
	return starlark.None, nil
}

func pyplotLimits(set func(fig *figure, lim [2]float64)) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var lo, hi starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &lo, &hi); err != nil {
			return nil, err
		}
		bounds, err := floatsOf(lo)
		if err != nil {
			return nil, err
		}
		if hi != nil {
			upper, err := floatsOf(hi)
			if err != nil {
				return nil, err
			}
			bounds = append(bounds, upper...)
		}
		if len(bounds) != 2 {
			return nil, &KindError{Kind: "ValueError", Msg: fmt.Sprintf("%s() takes a (min, max) pair", b.Name())}
		}
		set(envOf(thread).currentFigure(), [2]float64{bounds[0], bounds[1]})
		return starlark.None, nil
	}
}

func pyplotReferenceLine(vertical bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pos starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 0, &pos); err != nil {
			return nil, err
		}
		line := refLine{color: refLineColor, dashed: true, width: 1}
		axis := "y"
		if vertical {
			axis = "x"
		}
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			switch key {
			case axis:
				pos = kv[1]
			case "color", "c":
				str, _ := starlark.AsString(kv[1])
				c, ok := parseColor(str)
				if !ok {
					return nil, &KindError{Kind: "ValueError", Msg: fmt.Sprintf("invalid color %s", kv[1])}
				}
				line.color = c
			case "linestyle", "ls":
				str, _ := starlark.AsString(kv[1])
				line.dashed = str != "-" && str != "solid"
			case "linewidth", "lw":
				w, ok := starlark.AsFloat(kv[1])
				if !ok || w < 0 {
					return nil, &KindError{Kind: "ValueError", Msg: fmt.Sprintf("invalid linewidth %s", kv[1])}
				}
				line.width = w
			case "alpha", "xmin", "xmax", "ymin", "ymax", "label", "zorder":
				// accepted, rendering spans the full axis
			default:
				return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("%s() got an unexpected keyword argument '%s'", b.Name(), key)}
			}
		}
		if pos != nil {
			f, ok := starlark.AsFloat(pos)
			if !ok {
				return nil, &KindError{Kind: "TypeError", Msg: fmt.Sprintf("%s() position must be a number, got %s", b.Name(), pos.Type())}
			}
			line.pos = f
		}
		fig := envOf(thread).currentFigure()
		if vertical {
			fig.vlines = append(fig.vlines, line)
		} else {
			fig.hlines = append(fig.hlines, line)
		}
		return starlark.None, nil
	}
}

func pyplotFigure(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		num     starlark.Value
		figsize starlark.Tuple
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "num?", &num, "figsize?", &figsize); err != nil {
		return nil, err
	}
	fig := newFigure()
	if figsize != nil {
		size, err := floatsOf(figsize)
		if err != nil {
			return nil, err
		}
		if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
			return nil, &KindError{Kind: "ValueError", Msg: "figsize must be a (width, height) pair of positive numbers"}
		}
		if size[0] > maxFigureInches || size[1] > maxFigureInches {
			return nil, &KindError{Kind: "ValueError", Msg: fmt.Sprintf("figsize %gx%g exceeds the %dx%d inch limit", size[0], size[1], maxFigureInches, maxFigureInches)}
		}
		fig.width, fig.height = size[0], size[1]
	}
	envOf(thread).figure = fig
	return starlark.None, nil
}

func pyplotGrid(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	visible := true
	var ignored starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "visible?", &visible, "which?", &ignored, "axis?", &ignored, "linestyle?", &ignored, "alpha?", &ignored); err != nil {
		return nil, err
	}
	envOf(thread).currentFigure().grid = visible
	return starlark.None, nil
}

func pyplotLegend(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	envOf(thread).currentFigure().legend = true
	return starlark.None, nil
}

// show renders the current figure as a graphic message and starts a new one.
// An empty figure renders nothing.
func pyplotShow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	env := envOf(thread)
	if err := env.renderFigure(); err != nil {
		return nil, err
	}
	env.figure = nil
	return starlark.None, nil
}

// savefig has no filesystem; the rendering is delivered like show but the
// figure is kept.
func pyplotSavefig(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := envOf(thread).renderFigure(); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func pyplotClear(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	envOf(thread).figure = nil
	return starlark.None, nil
}

func (e *RunEnv) renderFigure() error {
	if e.figure == nil || e.figure.empty() {
		return nil
	}
	img, err := e.figure.render()
	if err != nil {
		return &KindError{Kind: "RuntimeError", Msg: fmt.Sprintf("render figure: %v", err)}
	}
	e.ShowImage(img)
	return nil
}

func (f *figure) render() (model.Image, error) {
	p := plot.New()
	p.Title.Text = f.title
	p.X.Label.Text = f.xlabel
	p.Y.Label.Text = f.ylabel
	if f.grid {
		p.Add(plotter.NewGrid())
	}

	for i, s := range f.series {
		col := s.color
		if col == nil {
			col = plotutil.Color(i)
		}
		var thumbs []plot.Thumbnailer
		switch s.kind {
		case seriesBar:
			bars, err := plotter.NewBarChart(plotter.Values(s.ys), vg.Points(20))
			if err != nil {
				return model.Image{}, err
			}
			bars.Color = col
			bars.LineStyle.Width = 0
			p.Add(bars)
			p.NominalX(s.labels...)
			thumbs = append(thumbs, bars)
		default:
			xys := make(plotter.XYs, len(s.xs))
			for j := range s.xs {
				xys[j] = plotter.XY{X: s.xs[j], Y: s.ys[j]}
			}
			if !s.noLine {
				line, err := plotter.NewLine(xys)
				if err != nil {
					return model.Image{}, err
				}
				line.LineStyle.Color = col
				line.LineStyle.Width = vg.Points(1.5)
				if s.dashed {
					line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
				}
				p.Add(line)
				thumbs = append(thumbs, line)
			}
			if s.markers {
				points, err := plotter.NewScatter(xys)
				if err != nil {
					return model.Image{}, err
				}
				points.GlyphStyle.Color = col
				points.GlyphStyle.Shape = draw.CircleGlyph{}
				points.GlyphStyle.Radius = vg.Points(3)
				p.Add(points)
				thumbs = append(thumbs, points)
			}
		}
		if f.legend && s.label != "" {
			p.Legend.Add(s.label, thumbs...)
		}
	}

	for _, h := range f.hlines {
		y := h.pos
		fn := plotter.NewFunction(func(float64) float64 { return y })
		h.style(&fn.LineStyle)
		p.Add(fn)
	}
	if len(f.vlines) > 0 {
		lo, hi := p.Y.Min, p.Y.Max
		if math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo >= hi {
			lo, hi = 0, 1
		}
		for _, v := range f.vlines {
			line, err := plotter.NewLine(plotter.XYs{{X: v.pos, Y: lo}, {X: v.pos, Y: hi}})
			if err != nil {
				return model.Image{}, err
			}
			v.style(&line.LineStyle)
			p.Add(line)
		}
	}

	if f.xlim != nil {
		p.X.Min, p.X.Max = f.xlim[0], f.xlim[1]
	}
	if f.ylim != nil {
		p.Y.Min, p.Y.Max = f.ylim[0], f.ylim[1]
	}
	if f.legend {
		p.Legend.Top = true
	}

	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(f.width)*vg.Inch, vg.Length(f.height)*vg.Inch),
		vgimg.UseDPI(figureDPI),
	)
	p.Draw(draw.New(c))
	var buf bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(&buf); err != nil {
		return model.Image{}, fmt.Errorf("encode png: %w", err)
	}
	bounds := c.Image().Bounds()
	return model.Image{
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func matplotlibModules(env *RunEnv) map[string]starlark.Value {
	text := func(set func(fig *figure, s string)) func(string) {
		return func(s string) {
			set(env.currentFigure(), s)
		}
	}
	pyplot := &starlarkstruct.Module{
		Name: "matplotlib.pyplot",
		Members: starlark.StringDict{
			"figure":  starlark.NewBuiltin("figure", pyplotFigure),
			"plot":    starlark.NewBuiltin("plot", pyplotPlot),
			"scatter": starlark.NewBuiltin("scatter", pyplotScatter),
			"bar":     starlark.NewBuiltin("bar", pyplotBar),
			"title":   starlarkutil.MakeFunc("title", text(func(fig *figure, s string) { fig.title = s })),
			"xlabel":  starlarkutil.MakeFunc("xlabel", text(func(fig *figure, s string) { fig.xlabel = s })),
			"ylabel":  starlarkutil.MakeFunc("ylabel", text(func(fig *figure, s string) { fig.ylabel = s })),
			"xlim":    starlark.NewBuiltin("xlim", pyplotLimits(func(fig *figure, lim [2]float64) { fig.xlim = &lim })),
			"ylim":    starlark.NewBuiltin("ylim", pyplotLimits(func(fig *figure, lim [2]float64) { fig.ylim = &lim })),
			"grid":    starlark.NewBuiltin("grid", pyplotGrid),
			"legend":  starlark.NewBuiltin("legend", pyplotLegend),
			"axhline": starlark.NewBuiltin("axhline", pyplotReferenceLine(false)),
			"axvline": starlark.NewBuiltin("axvline", pyplotReferenceLine(true)),
			"show":    starlark.NewBuiltin("show", pyplotShow),
			"savefig": starlark.NewBuiltin("savefig", pyplotSavefig),
			"clf":     starlark.NewBuiltin("clf", pyplotClear),
			"close":   starlark.NewBuiltin("close", pyplotClear),
		},
	}
	return map[string]starlark.Value{
		"matplotlib": &starlarkstruct.Module{
			Name:    "matplotlib",
			Members: starlark.StringDict{"pyplot": pyplot},
		},
		"matplotlib.pyplot": pyplot,
	}
}
