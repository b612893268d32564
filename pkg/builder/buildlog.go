package builder

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vyvo/imagebuild/pkg/imagebuilder"
)

type logEntry struct {
	step   string
	args   []string
	result imagebuilder.Result
	note   string
}

// BuildLog collects the output of every toolchain step of one build.
type BuildLog struct {
	mu      sync.Mutex
	entries []logEntry
}

func NewBuildLog() *BuildLog {
	return &BuildLog{}
}

// Add records the outcome of a command.
func (l *BuildLog) Add(step string, args []string, res imagebuilder.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{step: step, args: args, result: res})
}

// Note records a free form line.
func (l *BuildLog) Note(step, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{step: step, note: fmt.Sprintf(format, args...)})
}

// Len is the number of recorded entries.
func (l *BuildLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *BuildLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, e := range l.entries {
		fmt.Fprintf(&b, "### %s\n", e.step)
		if e.note != "" {
			b.WriteString(e.note)
			b.WriteByte('\n')
			continue
		}
		if len(e.args) > 0 {
			fmt.Fprintf(&b, "$ %s\n", strings.Join(e.args, " "))
		}
		fmt.Fprintf(&b, "exit status %d\n", e.result.ExitCode)
		if e.result.Stdout != "" {
			b.WriteString("--- stdout\n")
			b.WriteString(strings.TrimRight(e.result.Stdout, "\n"))
			b.WriteByte('\n')
		}
		if e.result.Stderr != "" {
			b.WriteString("--- stderr\n")
			b.WriteString(strings.TrimRight(e.result.Stderr, "\n"))
			b.WriteByte('\n')
		}
	}
	return b.String()
}
