package session

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

func TestCollect(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.docker.SetProgram(pyImage, sandboxtest.Exit(3, "out\n", "Traceback\n"))

	res, err := Collect(context.Background(), h.manager, Submit{Language: "python", Source: "raise SystemExit(3)"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "Traceback\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Failed())
	assert.False(t, res.Truncated)
	h.assertClean(t)
}

func TestCollectWithStdin(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.docker.SetProgram(pyImage, sandboxtest.Cat())

	res, err := Collect(context.Background(), h.manager,
		Submit{Language: "python", Source: "import sys", Stdin: "ping\n", CloseStdin: true}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", res.Stdout)
}

func TestCollectTruncates(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.docker.SetProgram(pyImage, sandboxtest.Exit(0, strings.Repeat("x", 100), ""))

	res, err := Collect(context.Background(), h.manager, Submit{Language: "python", Source: "print('x'*100)"}, 10)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), res.Stdout)
	assert.True(t, res.Truncated)
}

func TestCollectReportsFailure(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := Collect(context.Background(), h.manager, Submit{Language: "brainfuck", Source: "+++"}, 0)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, CodeUnsupportedLanguage, res.ErrorCode)
}

func TestLimitedBuilder(t *testing.T) {
	b := &limitedBuilder{max: 5}
	b.WriteString("abc")
	b.WriteString("def")
	b.WriteString("")
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.truncated)

	cut := &limitedBuilder{max: 4}
	cut.WriteString("café")
	cut.WriteString("x")
	assert.Equal(t, "caf", cut.String())
	assert.True(t, utf8.ValidString(cut.String()))
	assert.True(t, cut.truncated)

	exact := &limitedBuilder{max: 5}
	exact.WriteString("café")
	assert.Equal(t, "café", exact.String())
	assert.False(t, exact.truncated)

	unlimited := &limitedBuilder{}
	unlimited.WriteString("abcdef")
	assert.Equal(t, "abcdef", unlimited.String())
	assert.False(t, unlimited.truncated)
}
