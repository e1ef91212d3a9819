// cmd/output.go
package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool // Flag to disable color
)

var consoleMu sync.Mutex

// consoleLog returns the LogFn handed to long-running components. Each line
// is tagged with a timestamp and the component name; debug lines only show
// with --debug.
func consoleLog(component string) func(level, msg string) {
	return func(level, msg string) {
		if level == "debug" {
			Debug("%s: %s", component, msg)
			return
		}

		var tag string
		out := os.Stdout
		switch level {
		case "success":
			tag = goodColor.Sprint("✓")
		case "warning":
			tag = warnColor.Sprint("!")
		case "error":
			tag = badColor.Sprint("✗")
			out = os.Stderr
		default:
			tag = "-"
		}

		consoleMu.Lock()
		defer consoleMu.Unlock()
		fmt.Fprintf(out, "%s %s %s %s\n",
			time.Now().Format("15:04:05"), tag, labelColor.Sprintf("[%s]", component), msg)
	}
}

func applyNoColor() {
	if noColor {
		color.NoColor = true
	}
}
