// Package ui provides the explicit UI handle that replaces the
// corpus's in-process singleton for output, prompts, and progress
// (spec.md §9 redesign flag). It wraps a *logrus.Logger the same way
// the teacher injects one into every constructor.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// UI is passed explicitly to every component that needs to talk to the
// operator; there is no package-level default.
type UI struct {
	Logger *logrus.Logger
	Out    io.Writer
	In     *bufio.Reader
}

// New builds a UI around logger, writing prompts/progress to stdout and
// reading answers from stdin.
func New(logger *logrus.Logger) *UI {
	if logger == nil {
		logger = logrus.New()
	}
	return &UI{Logger: logger, Out: os.Stdout, In: bufio.NewReader(os.Stdin)}
}

// Status logs an informational line.
func (u *UI) Status(msg string) {
	u.Logger.Info(msg)
}

// Warn logs a warning line.
func (u *UI) Warn(msg string) {
	u.Logger.Warn(msg)
}

// Prompt writes msg and the choices, then reads one line of input,
// returning the first choice whose first character (case-insensitively)
// matches the reply, or choices[0] on EOF/empty input.
func (u *UI) Prompt(msg string, choices []string) (string, error) {
	fmt.Fprintf(u.Out, "%s %v ", msg, choices)
	line, err := u.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	for _, c := range choices {
		if len(line) > 0 && len(c) > 0 && lowerByte(line[0]) == lowerByte(c[0]) {
			return c, nil
		}
	}
	if len(choices) > 0 {
		return choices[0], nil
	}
	return "", nil
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// Progress reports position out of total (total==0 means indeterminate)
// for topic. Implementations writing to a real terminal would redraw a
// bar in place; this one logs at debug level, matching the teacher's use
// of logger.Debugf for per-item progress in GitParse.
func (u *UI) Progress(topic string, position int, total int) {
	if total > 0 {
		u.Logger.Debugf("%s: %d/%d", topic, position, total)
	} else {
		u.Logger.Debugf("%s: %d", topic, position)
	}
}

// WriteBytes writes raw bytes to the UI's output stream (e.g. cat-like command
// output), bypassing the logger's formatting.
func (u *UI) WriteBytes(b []byte) (int, error) {
	return u.Out.Write(b)
}
