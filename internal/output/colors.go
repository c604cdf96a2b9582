package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Header    *color.Color
	Rule      *color.Color
	Metric    *color.Color
	Value     *color.Color
	Dim       *color.Color
	Pass      *color.Color
	Warn      *color.Color
	Fail      *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Header:    color.New(color.Bold),
		Rule:      color.New(color.FgCyan),
		Metric:    color.New(color.FgWhite),
		Value:     color.New(color.FgCyan),
		Dim:       color.New(color.Faint),
		Pass:      color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Fail:      color.New(color.FgRed, color.Bold),
		Highlight: color.New(color.FgMagenta),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{s.Header, s.Rule, s.Metric, s.Value, s.Dim, s.Pass, s.Warn, s.Fail, s.Highlight}
}

// forceColor enables every color regardless of the terminal.
func (s *ColorScheme) forceColor() {
	for _, c := range s.all() {
		c.EnableColor()
	}
}

// errorRateColor picks green, yellow or red for an error rate.
func (s *ColorScheme) errorRateColor(rate float64) *color.Color {
	switch {
	case rate > 0.05:
		return s.Fail
	case rate > 0.01:
		return s.Warn
	default:
		return s.Pass
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func (s *ColorScheme) SuccessIcon() string {
	return s.Pass.Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func (s *ColorScheme) ErrorIcon() string {
	return s.Fail.Sprint("✗")
}
