package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// echartsAssetsHost serves the echarts script for generated pages.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ErrNoSamples is returned when there is nothing to draw.
var ErrNoSamples = errors.New("monitor: no samples")

// WriteSlotTimeline renders an HTML scatter of which slot each node sent in
// over time, one series per node.
func WriteSlotTimeline(w io.Writer, samples []SlotSample, subtitle string) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	start := samples[0].At
	byNode := make(map[uint8][]opts.ScatterData)
	maxSlot := 0
	for _, s := range samples {
		if s.At.Before(start) {
			start = s.At
		}
		if s.Slot > maxSlot {
			maxSlot = s.Slot
		}
	}
	for _, s := range samples {
		byNode[s.Node] = append(byNode[s.Node], opts.ScatterData{
			Value: []interface{}{s.At.Sub(start).Seconds(), s.Slot, s.Type.String()},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TDMA slot timeline", Width: "1200px", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Slot occupancy", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "slot", Min: 0, Max: maxSlot + 1}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)
	for _, node := range sortedNodes(byNode) {
		scatter.AddSeries(fmt.Sprintf("node %d", node), byNode[node],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	return scatter.Render(w)
}

// SaveResyncPlot writes a scatter of resync corrections per node to path.
// The image format follows the file extension.
func SaveResyncPlot(path string, samples []ResyncSample) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	start := samples[0].At
	for _, s := range samples {
		if s.At.Before(start) {
			start = s.At
		}
	}
	byNode := make(map[uint8]plotter.XYs)
	for _, s := range samples {
		byNode[s.Node] = append(byNode[s.Node], plotter.XY{
			X: s.At.Sub(start).Seconds(),
			Y: float64(s.Correction.Microseconds()),
		})
	}

	p := plot.New()
	p.Title.Text = "Slot resync corrections"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Correction (µs)"
	p.Add(plotter.NewGrid())

	nodes := sortedNodes(byNode)
	colors := palette(len(nodes))
	for i, node := range nodes {
		sc, err := plotter.NewScatter(byNode[node])
		if err != nil {
			return fmt.Errorf("node %d: %w", node, err)
		}
		sc.GlyphStyle.Color = colors[i]
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("node %d", node), sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save resync plot: %w", err)
	}
	return nil
}

func sortedNodes[V any](m map[uint8]V) []uint8 {
	out := make([]uint8, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// palette spreads n hues around the colour wheel.
func palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		h := float64(i) / float64(max(n, 1))
		out[i] = hsv(h, 0.75, 0.85)
	}
	return out
}

func hsv(h, s, v float64) color.Color {
	i := int(h * 6)
	f := h*6 - float64(i)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}
