// Package output renders load test progress and results: a live console
// display, the end-of-test summary and machine-readable exports.
package output

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/engine"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/loadtest/threshold"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// DefaultTrendStats are the trend columns printed when none are configured.
var DefaultTrendStats = []string{"avg", "min", "med", "max", "p(90)", "p(95)"}

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress float64
	Elapsed  time.Duration

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64

	LatencyP95 time.Duration
	LatencyP50 time.Duration

	Phase metrics.Phase
}

// StatsFromProgress converts an engine progress view into display stats.
func StatsFromProgress(p engine.Progress) *LiveStats {
	s := &LiveStats{
		Progress:  p.Fraction,
		Elapsed:   p.Elapsed,
		ActiveVUs: p.ActiveVUs,
		TargetVUs: p.TargetVUs,
		Phase:     p.Phase,
	}
	if b := p.Latest; b != nil {
		s.CurrentRPS = b.IntervalRPS
		s.TotalRequests = b.TotalRequests
		s.Errors = b.TotalFailures
		if b.TotalRequests > 0 {
			s.ErrorRate = float64(b.TotalFailures) / float64(b.TotalRequests)
		}
		s.LatencyP95 = b.Latency.P95
		s.LatencyP50 = b.Latency.P50
	}
	return s
}

// Console manages console output during and after a run.
type Console struct {
	testName   string
	writer     io.Writer
	colors     *ColorScheme
	trendStats []string
	isTTY      bool
	quiet      bool

	mu          sync.Mutex
	linesOutput int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	TestName    string
	Writer      io.Writer
	TrendStats  []string
	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// NewConsole creates a new console output handler.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if len(config.TrendStats) == 0 {
		config.TrendStats = DefaultTrendStats
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)

	colors := NoColorScheme()
	switch {
	case config.NoColor:
	case config.ForceColors:
		colors = DefaultColorScheme()
		colors.forceColor()
	case isTTY && supportsColors():
		colors = DefaultColorScheme()
		colors.forceColor()
	}

	return &Console{
		testName:   config.TestName,
		writer:     config.Writer,
		colors:     colors,
		trendStats: config.TrendStats,
		isTTY:      isTTY,
		quiet:      config.Quiet,
	}
}

// isTerminal checks if the writer is a terminal.
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return checkIsTerminal(f)
	}
	return false
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if runtime.GOOS == "windows" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test header.
func (c *Console) PrintHeader(scenarios map[string]string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln(line)
	c.writeln(c.colors.Header.Sprintf("%s - Running", c.testName))
	c.writeln(line)
	for _, name := range sortedKeys(scenarios) {
		c.writeln(fmt.Sprintf("  scenario %s %s", c.colors.Highlight.Sprint(name), c.colors.Dim.Sprintf("[%s]", scenarios[name])))
	}
	c.writeln("")
}

// Update redraws the live display. On a TTY the previous frame is
// overwritten; otherwise a single status line is appended.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTTY {
		c.writeln(c.statusLine(stats))
		return
	}

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *Console) statusLine(stats *LiveStats) string {
	return fmt.Sprintf("[%s] %s %.0f%% | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Phase,
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatMillis(metrics.Millis(stats.LatencyP95)))
}

func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string
	cs := c.colors

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		cs.Pass.Sprint(renderProgressBar(stats.Progress, 40)),
		cs.Header.Sprintf("%.0f%%", stats.Progress*100),
		cs.Dim.Sprint(formatDuration(stats.Elapsed))))
	lines = append(lines, fmt.Sprintf("Phase:    %s", cs.Highlight.Sprint(stats.Phase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, cs.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vus := fmt.Sprintf("VUs:     %s / %d", cs.Value.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqs := fmt.Sprintf("Requests:    %s", cs.Value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vus, reqs, boxWidth))

	errColor := cs.errorRateColor(stats.ErrorRate)
	rps := fmt.Sprintf("RPS:     %s", cs.Pass.Sprintf("%.1f", stats.CurrentRPS))
	errs := fmt.Sprintf("Errors:      %s (%s)", errColor.Sprint(stats.Errors), errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rps, errs, boxWidth))

	p95 := fmt.Sprintf("P95:     %s", cs.Value.Sprint(formatMillis(metrics.Millis(stats.LatencyP95))))
	p50 := fmt.Sprintf("P50:         %s", cs.Value.Sprint(formatMillis(metrics.Millis(stats.LatencyP50))))
	lines = append(lines, c.formatBoxRow(p95, p50, boxWidth))

	lines = append(lines, cs.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2
	leftPadding := max(colWidth-len([]rune(stripANSI(left))), 0)
	rightPadding := max(colWidth-len([]rune(stripANSI(right))), 0)

	bar := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPadding),
		bar, right, strings.Repeat(" ", rightPadding),
		bar)
}

func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintSummary prints the end-of-test summary: thresholds, every metric
// with its aggregates, and per-scenario VU figures.
func (c *Console) PrintSummary(result *engine.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.colors

	if c.quiet {
		if result.Passed {
			c.writeln(cs.Pass.Sprint("PASSED"))
		} else {
			c.writeln(cs.Fail.Sprintf("FAILED (%s)", result.Status))
		}
		return
	}
	if c.isTTY {
		c.clearLive()
	}

	line := cs.Rule.Sprint(strings.Repeat(boxHorizontal, 56))
	status := cs.Pass.Sprint("Completed ✓")
	switch result.Status {
	case engine.StatusThresholdsFailed:
		status = cs.Fail.Sprint("Thresholds failed ✗")
	case engine.StatusAborted:
		status = cs.Fail.Sprint("Aborted ✗")
	case engine.StatusInterrupted:
		status = cs.Warn.Sprint("Interrupted")
	}

	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", cs.Header.Sprint(result.Name), status))
	c.writeln(line)
	c.writeln("")
	c.writeln(fmt.Sprintf("Run:       %s", cs.Dim.Sprint(result.RunID)))
	c.writeln(fmt.Sprintf("Duration:  %s", cs.Value.Sprint(formatDuration(result.Duration))))
	if result.SteadyStateRPS > 0 {
		c.writeln(fmt.Sprintf("Steady RPS: %s", cs.Value.Sprintf("%.1f", result.SteadyStateRPS)))
	}
	c.writeln("")

	if len(result.Thresholds) > 0 {
		c.writeln(cs.Header.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			c.writeln("  " + c.thresholdLine(t))
		}
		if result.AbortedBy != nil {
			c.writeln(cs.Fail.Sprintf("  run aborted by %s %s", result.AbortedBy.Key, result.AbortedBy.Expression))
		}
		c.writeln("")
	}

	if result.Metrics != nil {
		c.writeln(cs.Header.Sprint("Metrics:"))
		for _, row := range SummaryRows(result.Metrics, c.trendStats) {
			c.writeln(c.metricLine(row))
		}
		c.writeln("")
	}

	if len(result.Scenarios) > 0 {
		c.writeln(cs.Header.Sprint("Scenarios:"))
		for _, name := range sortedKeys(result.Scenarios) {
			sr := result.Scenarios[name]
			text := fmt.Sprintf("  %s %s peak %d/%d VUs over %s",
				cs.Highlight.Sprint(name), cs.Dim.Sprintf("[%s]", sr.Executor), sr.PeakVUs, sr.MaxVUs, formatDuration(sr.Duration))
			if sr.Error != "" {
				text += " " + cs.Fail.Sprint(sr.Error)
			}
			c.writeln(text)
		}
		c.writeln("")
	}
}

func (c *Console) thresholdLine(t threshold.Result) string {
	icon := c.colors.SuccessIcon()
	if !t.Passed {
		icon = c.colors.ErrorIcon()
	}
	var actual []string
	for _, o := range t.Observations {
		actual = append(actual, fmt.Sprintf("%s=%s", aggregationName(o.Condition), formatNumberFloat(o.Actual)))
	}
	text := fmt.Sprintf("%s %s '%s'", icon, t.Key, t.Expression)
	if len(actual) > 0 {
		text += " " + c.colors.Dim.Sprint(strings.Join(actual, " "))
	}
	if len(t.Observations) == 0 && t.Message != "" {
		text += " " + c.colors.Warn.Sprint(t.Message)
	}
	return text
}

// aggregationName returns the aggregation part of a condition like p(95)<500.
func aggregationName(cond string) string {
	if i := strings.IndexAny(cond, "<>=!"); i > 0 {
		return strings.TrimSpace(cond[:i])
	}
	return cond
}

func (c *Console) metricLine(row SummaryRow) string {
	name := row.Name
	indent := "  "
	if row.Parent != "" {
		indent = "    "
		name = row.Tags.String()
	}

	const width = 32
	dots := width - len(indent) - len(name)
	label := indent + c.colors.Metric.Sprint(name) + c.colors.Dim.Sprint(strings.Repeat(".", max(dots, 1))+":")

	parts := make([]string, 0, len(row.Values))
	for _, v := range row.Values {
		if v.Label == "" {
			parts = append(parts, c.colors.Value.Sprint(v.Text))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", v.Label, c.colors.Value.Sprint(v.Text)))
	}
	return label + " " + strings.Join(parts, " ")
}

// SummaryValue is one formatted aggregate of a summary row.
type SummaryValue struct {
	Label string
	Text  string
}

// SummaryRow is one metric or submetric line of the summary.
type SummaryRow struct {
	Name   string
	Parent string
	Tags   metrics.Tags
	Values []SummaryValue
}

// SummaryRows formats every metric in snap that received samples. Submetrics
// follow their parent.
func SummaryRows(snap *metrics.Snapshot, trendStats []string) []SummaryRow {
	if len(trendStats) == 0 {
		trendStats = DefaultTrendStats
	}

	var parents []string
	children := map[string][]string{}
	for _, name := range snap.Names() {
		e := snap.Entries[name]
		if e.Parent == "" {
			parents = append(parents, name)
		} else {
			children[e.Parent] = append(children[e.Parent], name)
		}
	}

	var rows []SummaryRow
	for _, name := range parents {
		e := snap.Entries[name]
		if e.Stats.Count == 0 {
			continue
		}
		rows = append(rows, summaryRow(name, e, snap.Elapsed, trendStats))
		for _, sub := range children[name] {
			se := snap.Entries[sub]
			rows = append(rows, summaryRow(sub, se, snap.Elapsed, trendStats))
		}
	}
	return rows
}

func summaryRow(name string, e metrics.Entry, elapsed time.Duration, trendStats []string) SummaryRow {
	row := SummaryRow{Name: name, Parent: e.Parent, Tags: e.Tags}
	st := e.Stats
	contains := e.Metric.Contains

	switch e.Metric.Type {
	case metrics.Counter:
		row.Values = []SummaryValue{
			{Text: formatValue(st.Sum, contains)},
			{Text: formatValue(st.PerSecond(elapsed), contains) + "/s"},
		}
	case metrics.Gauge:
		row.Values = []SummaryValue{
			{Text: formatValue(st.Last, contains)},
			{Label: "min", Text: formatValue(st.Min, contains)},
			{Label: "max", Text: formatValue(st.Max, contains)},
		}
	case metrics.Rate:
		row.Values = []SummaryValue{
			{Text: fmt.Sprintf("%.2f%%", st.Rate()*100)},
			{Text: fmt.Sprintf("✓ %d", st.Trues)},
			{Text: fmt.Sprintf("✗ %d", st.Count-st.Trues)},
		}
	case metrics.Trend:
		for _, agg := range trendStats {
			v, err := st.Aggregate(agg, elapsed)
			if err != nil {
				continue
			}
			text := formatValue(v, contains)
			if agg == "count" {
				text = formatNumber(int64(v))
			}
			row.Values = append(row.Values, SummaryValue{Label: agg, Text: text})
		}
	}
	return row
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}
