package output

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/engine"
)

// JUnitTestSuites represents the root element containing all test suites
type JUnitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite represents a JUnit test suite
type JUnitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Time      float64         `xml:"time,attr"`
	Timestamp string          `xml:"timestamp,attr"`
	TestCases []JUnitTestCase `xml:"testcase"`
	SystemOut string          `xml:"system-out,omitempty"`
}

// JUnitTestCase represents a JUnit test case
type JUnitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
}

// JUnitFailure represents a JUnit test failure
type JUnitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// BuildJUnit reports each threshold as a test case so CI systems can show
// which service level objectives a run broke.
func BuildJUnit(result *engine.TestResult) *JUnitTestSuites {
	suite := JUnitTestSuite{
		Name:      result.Name,
		Tests:     len(result.Thresholds),
		Time:      result.Duration.Seconds(),
		Timestamp: result.StartTime.Format(time.RFC3339),
		TestCases: []JUnitTestCase{},
		SystemOut: fmt.Sprintf("run %s finished with status %s", result.RunID, result.Status),
	}

	for _, t := range result.Thresholds {
		tc := JUnitTestCase{
			Name:      fmt.Sprintf("%s %s", t.Key, t.Expression),
			Classname: "stampede.thresholds." + result.Name,
			Time:      result.Duration.Seconds(),
		}
		if !t.Passed {
			var observed []string
			for _, o := range t.Observations {
				observed = append(observed, fmt.Sprintf("%s (actual %s)", o.Condition, formatNumberFloat(o.Actual)))
			}
			if t.Message != "" {
				observed = append(observed, t.Message)
			}
			tc.Failure = &JUnitFailure{
				Message: fmt.Sprintf("threshold %s crossed", t.Key),
				Type:    "ThresholdFailure",
				Content: strings.Join(observed, "\n"),
			}
			suite.Failures++
		}
		suite.TestCases = append(suite.TestCases, tc)
	}

	if result.Status == engine.StatusAborted || result.Status == engine.StatusInterrupted {
		suite.Errors++
	}
	return &JUnitTestSuites{TestSuites: []JUnitTestSuite{suite}}
}

// WriteXML writes the report with an XML header.
func (j *JUnitTestSuites) WriteXML(w io.Writer) error {
	data, err := xml.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal junit report: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ExportJUnit writes the JUnit report of result to path.
func ExportJUnit(path string, result *engine.TestResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create junit file: %w", err)
	}
	if err := BuildJUnit(result).WriteXML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
