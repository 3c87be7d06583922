package sandboxtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"
)

// Exit writes stdout and stderr, then exits with code.
func Exit(code int, stdout, stderr string) Program {
	return func(ctx context.Context, _ io.Reader, out, errw io.Writer) int {
		if stdout != "" {
			io.WriteString(out, stdout)
		}
		if stderr != "" {
			io.WriteString(errw, stderr)
		}
		return code
	}
}

// Lines writes each line to stdout as a separate chunk.
func Lines(lines ...string) Program {
	return func(ctx context.Context, _ io.Reader, out, _ io.Writer) int {
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		return 0
	}
}

// Prompt writes prompt, reads one line from stdin and echoes it back. It
// behaves like print(input(prompt)).
func Prompt(prompt string) Program {
	return func(ctx context.Context, in io.Reader, out, errw io.Writer) int {
		io.WriteString(out, prompt)

		lineC := make(chan string, 1)
		go func() {
			line, err := bufio.NewReader(in).ReadString('\n')
			if err != nil && line == "" {
				close(lineC)
				return
			}
			lineC <- line
		}()

		select {
		case line, ok := <-lineC:
			if !ok {
				io.WriteString(errw, "EOFError: EOF when reading a line\n")
				return 1
			}
			io.WriteString(out, line)
			return 0
		case <-ctx.Done():
			return 137
		}
	}
}

// Cat copies stdin to stdout until stdin is closed.
func Cat() Program {
	return func(ctx context.Context, in io.Reader, out, _ io.Writer) int {
		done := make(chan struct{})
		go func() {
			io.Copy(out, in)
			close(done)
		}()
		select {
		case <-done:
			return 0
		case <-ctx.Done():
			return 137
		}
	}
}

// Forever never exits on its own, like `while True: pass`.
func Forever() Program {
	return func(ctx context.Context, _ io.Reader, _, _ io.Writer) int {
		<-ctx.Done()
		return 137
	}
}

// Sleep exits with 0 after d unless killed first.
func Sleep(d time.Duration) Program {
	return func(ctx context.Context, _ io.Reader, _, _ io.Writer) int {
		select {
		case <-time.After(d):
			return 0
		case <-ctx.Done():
			return 137
		}
	}
}
