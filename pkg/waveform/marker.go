package waveform

// Margin is the space between a chart's container box and its plotted area,
// in pixels.
type Margin struct {
	Top    float64 `yaml:"top" json:"top"`
	Right  float64 `yaml:"right" json:"right"`
	Bottom float64 `yaml:"bottom" json:"bottom"`
	Left   float64 `yaml:"left" json:"left"`
}

// ChartLayout describes the geometry of a rendered line chart. YMin and YMax
// are the value-axis domain; when both are zero the loudness range [0, 1] is
// assumed.
type ChartLayout struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
	Margin Margin  `yaml:"margin" json:"margin"`
	YMin   float64 `yaml:"y_min" json:"y_min"`
	YMax   float64 `yaml:"y_max" json:"y_max"`
}

// DefaultChartLayout matches the dashboard's loudness chart.
var DefaultChartLayout = ChartLayout{
	Width:  960,
	Height: 400,
	Margin: Margin{Top: 5, Right: 30, Bottom: 30, Left: 60},
	YMin:   0,
	YMax:   1,
}

// PlotWidth returns the horizontal extent of the plotted area.
func (c ChartLayout) PlotWidth() float64 { return max(c.Width-c.Margin.Left-c.Margin.Right, 0) }

// PlotHeight returns the vertical extent of the plotted area.
func (c ChartLayout) PlotHeight() float64 { return max(c.Height-c.Margin.Top-c.Margin.Bottom, 0) }

func (c ChartLayout) yDomain() (float64, float64) {
	if c.YMin == 0 && c.YMax == 0 {
		return 0, 1
	}
	return c.YMin, c.YMax
}

// Point is a pixel position relative to the chart's container box, with the
// origin at the top-left corner.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MarkerPosition projects s onto the plotted area of layout, using w's time
// range for the horizontal axis. ok is false when w is empty.
func MarkerPosition(w Waveform, s Sample, layout ChartLayout) (Point, bool) {
	lo, hi, ok := w.Bounds()
	if !ok {
		return Point{}, false
	}

	var fx float64
	if hi > lo {
		fx = Clamp((s.Time-lo)/(hi-lo), 0, 1)
	}

	ylo, yhi := layout.yDomain()
	var fy float64
	if yhi > ylo {
		fy = Clamp((s.Dynamics-ylo)/(yhi-ylo), 0, 1)
	}

	return Point{
		X: layout.Margin.Left + fx*layout.PlotWidth(),
		Y: layout.Margin.Top + (1-fy)*layout.PlotHeight(),
	}, true
}

// Marker is everything a view needs to draw the playhead dot.
type Marker struct {
	Sample   Sample  `json:"sample"`
	Index    int     `json:"index"`
	Position Point   `json:"position"`
	Marking  string  `json:"marking"`
	Time     float64 `json:"time"`
}

// LocateMarker combines [Locator.Locate] and [MarkerPosition].
func LocateMarker(l Locator, w Waveform, t float64, layout ChartLayout) (Marker, bool) {
	s, idx, ok := l.Locate(w, t)
	if !ok {
		return Marker{}, false
	}
	pos, _ := MarkerPosition(w, s, layout)
	return Marker{
		Sample:   s,
		Index:    idx,
		Position: pos,
		Marking:  Marking(s.Dynamics),
		Time:     t,
	}, true
}

// Marking maps a loudness value to a dynamic marking used for the value axis.
func Marking(d float64) string {
	switch {
	case d == 0.5:
		return "m"
	case d > 0.75:
		return "f"
	case d > 0.5:
		return "mf"
	case d < 0.25:
		return "p"
	default:
		return "mp"
	}
}
