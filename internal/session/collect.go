package session

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Result is the outcome of a non-interactive execution.
type Result struct {
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exit_code"`
	Message   string   `json:"message,omitempty"`
	Notices   []string `json:"notices,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Failed reports whether the program never ran to an exit.
func (r *Result) Failed() bool { return r.ErrorCode != "" }

// Collect runs req in a throwaway session and gathers its output. Each of
// stdout and stderr is capped at limit bytes; limit <= 0 means no cap.
func Collect(ctx context.Context, m *Manager, req Submit, limit int) (*Result, error) {
	s, err := m.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if err := s.Send(req); err != nil {
		return nil, err
	}

	stdout := &limitedBuilder{max: limit}
	stderr := &limitedBuilder{max: limit}
	res := &Result{}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return nil, ErrClosed
			}
			switch ev := ev.(type) {
			case Stdout:
				stdout.WriteString(ev.Data)
			case Stderr:
				stderr.WriteString(ev.Data)
			case System:
				res.Notices = append(res.Notices, ev.Data)
			case Error:
				if !ev.Fatal() {
					res.Notices = append(res.Notices, ev.Message)
					continue
				}
				res.Error, res.ErrorCode = ev.Message, ev.Code
				res.Stdout, res.Stderr = stdout.String(), stderr.String()
				return res, nil
			case Exit:
				res.ExitCode, res.Message = ev.Code, ev.Message
				res.Stdout, res.Stderr = stdout.String(), stderr.String()
				res.Truncated = stdout.truncated || stderr.truncated
				return res, nil
			}
		}
	}
}

// limitedBuilder keeps the first max bytes written to it.
type limitedBuilder struct {
	b         strings.Builder
	max       int
	truncated bool
}

func (l *limitedBuilder) WriteString(s string) {
	if l.max <= 0 {
		l.b.WriteString(s)
		return
	}
	if l.truncated {
		return
	}
	room := l.max - l.b.Len()
	if len(s) > room {
		// Cut on a rune boundary.
		for room > 0 && !utf8.RuneStart(s[room]) {
			room--
		}
		s = s[:room]
		l.truncated = true
	}
	l.b.WriteString(s)
}

func (l *limitedBuilder) String() string { return l.b.String() }
