package sink

import (
	"context"
	"io"
	"sort"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Point は1回の記録です。
type Point struct {
	Step  int
	Value float64
}

// HistorySink は全ての値をメモリに保持し、学習曲線を描画できます。
type HistorySink struct {
	mu       sync.Mutex
	series   map[string][]Point
	messages []string
}

// NewHistorySink は空の履歴を作ります。
func NewHistorySink() *HistorySink {
	return &HistorySink{series: make(map[string][]Point)}
}

func (h *HistorySink) Log(_ context.Context, step int, values map[string]float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range values {
		h.series[k] = append(h.series[k], Point{Step: step, Value: v})
	}
	return nil
}

func (h *HistorySink) Message(_ context.Context, msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

// Series は name の記録のコピーです。
func (h *HistorySink) Series(name string) []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Point(nil), h.series[name]...)
}

// Names は記録された値の名前を昇順で返します。
func (h *HistorySink) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.series))
	for k := range h.series {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Messages は記録されたメッセージのコピーです。
func (h *HistorySink) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// Last は name の最後の値です。
func (h *HistorySink) Last(name string) (Point, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.series[name]
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Plot は names の曲線を1枚に描画します。names が空なら全ての値を描きます。
func (h *HistorySink) Plot(title string, names ...string) (*plot.Plot, error) {
	if len(names) == 0 {
		names = h.Names()
	}
	if len(names) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "history is empty")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	for i, name := range names {
		series := h.Series(name)
		if len(series) == 0 {
			return nil, errors.Wrapf(errors.ErrEmptyData, "no values for %s", name)
		}
		xys := make(plotter.XYs, len(series))
		for j, pt := range series {
			xys[j].X = float64(pt.Step)
			xys[j].Y = pt.Value
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "plot %s", name)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(name, line, points)
	}
	return p, nil
}

// WritePlot は曲線を format ("png", "svg", "pdf" など) で w に書き出します。
func (h *HistorySink) WritePlot(w io.Writer, format, title string, names ...string) error {
	p, err := h.Plot(title, names...)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return errors.Wrapf(err, "render %s", format)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return errors.Wrap(err, "write plot")
	}
	return nil
}

// SavePlot は拡張子から形式を決めてファイルに保存します。
func (h *HistorySink) SavePlot(filename, title string, names ...string) error {
	p, err := h.Plot(title, names...)
	if err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, filename); err != nil {
		return errors.Wrapf(err, "save plot %s", filename)
	}
	return nil
}
