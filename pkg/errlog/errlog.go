// Package errlog records one line per failed build in a rotating file for
// operational triage. Lines carry only version, target, profile and a
// shortened message, never request contents.
package errlog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gopkg.in/natefinch/lumberjack.v2"
)

// MaxMessage is the number of runes kept from a failure message.
const MaxMessage = 200

// Sink receives terminal build failures.
type Sink interface {
	Record(version, target, profile, msg string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(string, string, string, string) {}

// File writes failure lines to w.
type File struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// Options size the rotating file.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Open returns a sink writing to path, rotated by size.
func Open(path string, opts Options) *File {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	return NewWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})
}

func NewWriter(w io.Writer) *File {
	return &File{w: w, now: time.Now}
}

func (f *File) Record(version, target, profile, msg string) {
	line := fmt.Sprintf("%s %s:%s:%s %s\n",
		f.now().UTC().Format(time.RFC3339), field(version), field(target), field(profile), Scrub(msg))
	f.mu.Lock()
	defer f.mu.Unlock()
	io.WriteString(f.w, line)
}

// Close closes the underlying writer when it supports it.
func (f *File) Close() error {
	if c, ok := f.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Scrub folds msg onto one line and cuts it to MaxMessage runes.
func Scrub(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) <= MaxMessage {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxMessage]) + "..."
}

func field(s string) string {
	s = strings.Join(strings.Fields(s), "_")
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, ":", "_")
}
