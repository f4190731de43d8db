package suite

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/mitchellh/colorstring"
	"golang.org/x/sys/unix"
)

// Exit codes of a suite run.
const (
	ExitPassed  = 0
	ExitFailed  = 1
	ExitErrored = 2
	// ExitUsage is used when no suite could be run at all.
	ExitUsage = 3
)

var (
	passColor  = color.New(color.FgGreen, color.Bold)
	failColor  = color.New(color.FgRed, color.Bold)
	errorColor = color.New(color.FgYellow, color.Bold)
	nameColor  = color.New(color.FgBlue, color.Bold)
	addColor   = color.New(color.FgGreen)
	delColor   = color.New(color.FgRed)
	hunkColor  = color.New(color.FgCyan)
	kindColor  = color.New(color.Bold)
)

type Counts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

func (c Counts) Total() int {
	return c.Passed + c.Failed + c.Errored
}

// Report is the aggregated outcome of a suite run.
type Report struct {
	Verdicts []*Verdict
	Counts   Counts
	// Preflight is set if the sandbox tool could not be found before the
	// run started.
	Preflight error
	Duration  time.Duration
}

func (r *Report) count() {
	r.Counts = Counts{}
	for _, v := range r.Verdicts {
		switch v.Status {
		case Passed:
			r.Counts.Passed++
		case Failed:
			r.Counts.Failed++
		default:
			r.Counts.Errored++
		}
	}
}

// ExitCode returns the process exit code for the report: errored tests take
// precedence over failed ones.
func (r *Report) ExitCode() int {
	switch {
	case r.Counts.Errored > 0:
		return ExitErrored
	case r.Counts.Failed > 0:
		return ExitFailed
	}
	return ExitPassed
}

// Infrastructure reports whether the errors in this run point at the host
// rather than at individual tests, in which case they most likely affect
// every test.
func (r *Report) Infrastructure() bool {
	if r.Preflight != nil {
		return true
	}
	if r.Counts.Errored == 0 {
		return false
	}
	for _, v := range r.Verdicts {
		if v.Status == Errored && v.ErrorKind() != ErrKindExecution {
			return false
		}
	}
	return true
}

// RenderHeader writes the line announcing a run of n tests.
func RenderHeader(w io.Writer, n int) {
	fmt.Fprintf(w, "Running %d roottests\n\n", n)
}

// RenderVerdict writes the single status line of a verdict.
func RenderVerdict(w io.Writer, v *Verdict) {
	var status string
	switch v.Status {
	case Passed:
		status = passColor.Sprint("PASS")
	case Failed:
		status = failColor.Sprint("FAIL")
	default:
		status = errorColor.Sprint("ERROR")
	}
	fmt.Fprintf(w, "%s ... %s (%s)\n", v.Name, status, v.Duration.Round(time.Millisecond))
}

// Render writes the complete text report.
func (r *Report) Render(w io.Writer) {
	RenderHeader(w, len(r.Verdicts))
	for _, v := range r.Verdicts {
		RenderVerdict(w, v)
	}
	r.RenderSummary(w)
}

// RenderSummary writes everything following the status lines: the details
// of each failed or errored test in discovery order and the final counts.
func (r *Report) RenderSummary(w io.Writer) {
	var bad []*Verdict
	for _, v := range r.Verdicts {
		if v.Status != Passed {
			bad = append(bad, v)
		}
	}
	if len(bad) > 0 {
		fmt.Fprint(w, "\nfailures:\n")
		for _, v := range bad {
			fmt.Fprintf(w, "\n--- %s ---\n", nameColor.Sprint(v.Name))
			renderDetails(w, v)
		}
	}

	if r.Infrastructure() {
		msg := "every error in this run came from the sandbox, check that it is installed and usable"
		if r.Preflight != nil {
			msg = r.Preflight.Error()
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, banner("[bold][red]infrastructure error:[reset] [red]"+msg))
		fmt.Fprintln(w, banner("[yellow]run \"roottest doctor\" to inspect the host"))
	}

	result := passColor.Sprint("ok")
	if r.ExitCode() != ExitPassed {
		result = failColor.Sprint("FAILED")
	}
	fmt.Fprintf(w, "\ntest result: %s. %d passed; %d failed; %d errored; finished in %s\n",
		result, r.Counts.Passed, r.Counts.Failed, r.Counts.Errored, r.Duration.Round(time.Millisecond))
}

// banner colours s using colorstring markup, honouring --no-color.
func banner(s string) string {
	c := colorstring.Colorize{Colors: colorstring.DefaultColors, Reset: true, Disable: color.NoColor}
	return c.Color(s)
}

func renderDetails(w io.Writer, v *Verdict) {
	if v.Status == Errored {
		fmt.Fprintf(w, "%s %s\n", errorColor.Sprint(string(v.ErrorKind())+" error:"), v.Err)
		if v.Result != nil && len(v.Result.Stderr) > 0 {
			fmt.Fprintf(w, "stderr of the program:\n%s", indent(string(v.Result.Stderr)))
		}
		return
	}
	for _, m := range v.Mismatches {
		if m.Path != "" && m.Path != string(m.Kind) {
			fmt.Fprintf(w, "%s %s: %s\n", kindColor.Sprint(string(m.Kind)), m.Path, m.Summary)
		} else {
			fmt.Fprintf(w, "%s: %s\n", kindColor.Sprint(string(m.Kind)), m.Summary)
		}
		if m.Diff != "" {
			renderDiff(w, m.Diff)
		}
	}
}

func renderDiff(w io.Writer, diff string) {
	for _, line := range strings.SplitAfter(diff, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			line = kindColor.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			line = hunkColor.Sprint(line)
		case strings.HasPrefix(line, "+"):
			line = addColor.Sprint(line)
		case strings.HasPrefix(line, "-"):
			line = delColor.Sprint(line)
		}
		fmt.Fprint(w, "    ", line)
	}
}

func indent(s string) string {
	lines := strings.SplitAfter(strings.TrimRight(s, "\n"), "\n")
	return "    " + strings.Join(lines, "    ") + "\n"
}

type jsonError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
}

type jsonStatus struct {
	Outcome string `json:"outcome"`
	Code    int    `json:"code"`
	Signal  string `json:"signal,omitempty"`
}

type jsonVerdict struct {
	Name       string      `json:"name"`
	Dir        string      `json:"dir"`
	Status     Status      `json:"status"`
	State      string      `json:"state"`
	DurationMs int64       `json:"duration_ms"`
	Mismatches []Mismatch  `json:"mismatches"`
	Error      *jsonError  `json:"error,omitempty"`
	Exit       *jsonStatus `json:"exit,omitempty"`
}

type jsonReport struct {
	Counts         Counts        `json:"counts"`
	ExitCode       int           `json:"exit_code"`
	Infrastructure bool          `json:"infrastructure_error"`
	Preflight      string        `json:"preflight_error,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
	Tests          []jsonVerdict `json:"tests"`
}

// RenderJSON writes the report as a single JSON document.
func (r *Report) RenderJSON(w io.Writer) error {
	out := jsonReport{
		Counts:         r.Counts,
		ExitCode:       r.ExitCode(),
		Infrastructure: r.Infrastructure(),
		DurationMs:     r.Duration.Milliseconds(),
		Tests:          make([]jsonVerdict, 0, len(r.Verdicts)),
	}
	if r.Preflight != nil {
		out.Preflight = r.Preflight.Error()
	}
	for _, v := range r.Verdicts {
		jv := jsonVerdict{
			Name:       v.Name,
			Dir:        v.Dir,
			Status:     v.Status,
			State:      v.State.String(),
			DurationMs: v.Duration.Milliseconds(),
			Mismatches: v.Mismatches,
		}
		if jv.Mismatches == nil {
			jv.Mismatches = []Mismatch{}
		}
		if e, ok := v.Err.(*Error); ok {
			jv.Error = &jsonError{Kind: e.kind, Stage: e.stage, Message: e.err.Error()}
		} else if v.Err != nil {
			jv.Error = &jsonError{Message: v.Err.Error()}
		}
		if v.Result != nil {
			st := v.Result.Status
			jv.Exit = &jsonStatus{Outcome: string(st.Outcome), Code: st.Code}
			if st.Signal != 0 {
				jv.Exit.Signal = unix.SignalName(st.Signal)
			}
		}
		out.Tests = append(out.Tests, jv)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
