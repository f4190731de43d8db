package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	color2 "github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

var Default = New(os.Stderr, true)

var (
	bold    = color2.New(color2.Bold)
	boldred = color2.New(color2.Bold, color2.FgRed)
	faint   = color2.New(color2.Faint)
)

var Strings = [...]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  " INFO",
	log.WarnLevel:  " WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// Handler writes human readable log lines. Entries are written while
// the suite prints its own status lines to stdout, so every entry is a
// single write of complete lines.
type Handler struct {
	mu      sync.Mutex
	Writer  io.Writer
	Padding int
	// Stacktraces prints the stacktrace of an error field below the entry.
	Stacktraces bool
}

func New(w io.Writer, useColors bool) *Handler {
	if f, ok := w.(*os.File); ok && useColors && !color2.NoColor {
		return &Handler{Writer: colorable.NewColorable(f), Padding: 2}
	}
	return &Handler{Writer: colorable.NewNonColorable(w), Padding: 2}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	color := cli.Colors[e.Level]
	level := Strings[e.Level]

	var buf []byte
	buf = append(buf, color.Sprintf("%s: [%s]", bold.Sprintf("%*s", h.Padding+1, level), time.Now().Format(time.StampMilli))...)
	// The test a line belongs to goes first since that is what is
	// scanned for when many tests run at once.
	if t := e.Fields.Get("test"); t != nil {
		buf = append(buf, faint.Sprintf(" %v:", t)...)
	}
	buf = append(buf, fmt.Sprintf(" %-25s", e.Message)...)

	var stack error
	for _, name := range e.Fields.Names() {
		switch name {
		case "source", "test":
			continue
		case "error":
			if err, ok := e.Fields.Get(name).(error); ok && h.Stacktraces {
				stack = err
			}
		}
		buf = append(buf, fmt.Sprintf(" %s=%v", color.Sprint(name), e.Fields.Get(name))...)
	}
	buf = append(buf, '\n')

	if stack != nil {
		// Attach the stacktrace if it is missing at this point, but don't point
		// it specifically to this line since that is irrelevant.
		stack = errors.WithStackDepthIf(stack, 1)
		buf = append(buf, fmt.Sprintf("\n%s\n%+v\n\n", boldred.Sprint("Stacktrace:"), stack)...)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.Writer.Write(buf)
	return err
}
