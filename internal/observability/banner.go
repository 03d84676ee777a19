package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// termWriter is a mutex-guarded io.Writer for log output.
type termWriter struct {
	w io.Writer
}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return tw.w.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput() and for the
// event logger. It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter(w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}
	return termWriter{w: w}
}

func PrintBanner() {
	banner := `
    ____  ________    _____  __
   / __ \/ ____/ /   /   \ \/ /
  / /_/ / __/ / /   / /| |\  /
 / _, _/ /___/ /___/ ___ |/ /
/_/ |_/_____/_____/_/  |_/_/

     >> plan . execute . review . repeat <<
`
	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Scrolling Logs: 12+
	fmt.Print("\033[2J\033[H")
	fmt.Print("\033[12;r")
	fmt.Print("\033[12;1H")
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// StatusLine renders one dashboard line for the board. frame selects the
// radar animation frame.
func StatusLine(board *StatusBoard, frame int, width int) string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memMB := float64(m.Alloc) / 1024 / 1024
	uptime := time.Since(startTime).Round(time.Second)

	runs := board.Snapshot()
	lastHB := board.LastHeartbeat()

	pulseText, pulseColor := "OFFLINE", colorNeonMag
	switch delta := time.Since(lastHB); {
	case delta < 40*time.Second:
		pulseText, pulseColor = "HEALTHY", colorNeonCyan
	case delta < 90*time.Second:
		pulseText, pulseColor = "LAGGING", colorPurple
	}

	activity := "idle"
	radar := " "
	if len(runs) > 0 {
		first := runs[0]
		activity = fmt.Sprintf("%s:%s %s", first.Pipeline, first.State, first.Goal)
		if len(runs) > 1 {
			activity = fmt.Sprintf("%s (+%d)", activity, len(runs)-1)
		}
		radar = radarFrames[frame%len(radarFrames)]
	}

	budget := clamp(width-60, 10, 60)
	if len(activity) > budget {
		activity = activity[:budget-3] + "..."
	}

	return fmt.Sprintf("%s[%s] %s%-7s%s | %s%s%s %s | up %v | %.1fMB",
		colorReset,
		lastHB.Format("15:04:05"),
		pulseColor, pulseText, colorReset,
		colorPurple, radar, colorReset,
		activity,
		uptime,
		memMB,
	)
}

// PrintLiveStatus redraws the dashboard line in place.
func PrintLiveStatus(board *StatusBoard, frame int) {
	line := StatusLine(board, frame, termWidth())

	termMu.Lock()
	fmt.Printf("\033[s\033[10;1H\033[K%s%s\033[u", colorBold, line)
	termMu.Unlock()
}
