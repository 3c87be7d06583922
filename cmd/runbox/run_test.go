package main

import (
	"io"
	"testing"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/session"
)

func TestDetectLanguage(t *testing.T) {
	table, err := language.NewTable(map[string]language.Spec{
		"python":     {Image: "python:3.10-alpine", Filename: "main.py", Command: []string{"python", "{file}"}},
		"javascript": {Image: "node:16-alpine", Filename: "main.js", Command: []string{"node", "{file}"}},
	})
	require.NoError(t, err)

	lang, err := detectLanguage(table, "scripts/hello.py")
	require.NoError(t, err)
	assert.Equal(t, "python", lang)

	lang, err = detectLanguage(table, "app.js")
	require.NoError(t, err)
	assert.Equal(t, "javascript", lang)

	_, err = detectLanguage(table, "Makefile")
	assert.Error(t, err)
	_, err = detectLanguage(table, "main.rs")
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit status 3", (&exitError{code: 3}).Error())
}

type recordingSender struct {
	sent []session.Command
}

func (r *recordingSender) Send(cmd session.Command) error {
	r.sent = append(r.sent, cmd)
	return nil
}

func lineReader(lines []string, end error) func() (string, error) {
	return func() (string, error) {
		if len(lines) == 0 {
			return "", end
		}
		l := lines[0]
		lines = lines[1:]
		return l, nil
	}
}

func TestForwardInput(t *testing.T) {
	tests := []struct {
		name string
		end  error
		last session.Command
	}{
		{"eof closes stdin", io.EOF, session.CloseInput{}},
		{"interrupt disconnects", readline.ErrInterrupt, session.Disconnect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r recordingSender
			forwardInput(&r, lineReader([]string{"a", "b"}, tt.end))
			assert.Equal(t, []session.Command{
				session.Input{Text: "a"},
				session.Input{Text: "b"},
				tt.last,
			}, r.sent)
		})
	}
}
