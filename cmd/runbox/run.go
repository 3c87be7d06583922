package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/michaelbrown/runbox/internal/app"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/session"
)

var langFlag string

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a source file in a sandbox and attach the terminal to it",
	Long: `Run a source file in a fresh sandbox. Output is streamed as it is produced
and lines typed at the terminal are sent to the program's stdin. Ctrl+C stops
the program. The command exits with the program's exit status.

Examples:
  runbox run hello.py
  runbox run script.txt --lang javascript`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&langFlag, "lang", "", "Language (default: inferred from the file extension)")
	rootCmd.AddCommand(runCmd)
}

// detectLanguage picks the language whose source file shares path's extension.
func detectLanguage(table *language.Table, path string) (string, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("cannot infer language of %s; pass --lang", path)
	}
	for _, s := range table.Specs() {
		if filepath.Ext(s.Filename) == ext {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("no language handles %s files; pass --lang", ext)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevelFlag == "" {
		cfg.Logging.Level = "warn"
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var mgr *session.Manager
	a := fx.New(app.Options(cfg, fx.Populate(&mgr)), fx.NopLogger)
	if err := a.Err(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.WithoutCancel(ctx))

	lang := langFlag
	if lang == "" {
		if lang, err = detectLanguage(mgr.Languages(), args[0]); err != nil {
			return err
		}
	}

	sess, err := mgr.Open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	if err := sess.Send(session.Submit{Language: lang, Source: string(source)}); err != nil {
		return err
	}

	result := make(chan error, 1)
	go func() { result <- printEvents(sess, rl.Stdout(), rl.Stderr()) }()
	go forwardInput(sess, rl.Readline)

	return <-result
}

type commandSender interface {
	Send(cmd session.Command) error
}

// forwardInput sends each line from read to the program's stdin. End of
// input (Ctrl+D) closes stdin; an interrupt (Ctrl+C) disconnects.
func forwardInput(sess commandSender, read func() (string, error)) {
	for {
		line, err := read()
		switch {
		case err == nil:
			if sess.Send(session.Input{Text: line}) != nil {
				return
			}
			continue
		case errors.Is(err, readline.ErrInterrupt):
			sess.Send(session.Disconnect{})
		case errors.Is(err, io.EOF):
			sess.Send(session.CloseInput{})
		}
		return
	}
}

// printEvents copies session events to the terminal until the program
// exits. It returns an *exitError for non-zero exit statuses.
func printEvents(sess *session.Session, stdout, stderr io.Writer) error {
	for ev := range sess.Events() {
		switch ev := ev.(type) {
		case session.Stdout:
			io.WriteString(stdout, ev.Data)
		case session.Stderr:
			io.WriteString(stderr, ev.Data)
		case session.System:
			fmt.Fprintf(stderr, "\033[90m%s\033[0m\n", ev.Data)
		case session.Error:
			fmt.Fprintf(stderr, "\033[31merror: %s\033[0m\n", ev.Message)
			if ev.Fatal() {
				return &exitError{code: 1}
			}
		case session.Exit:
			if !strings.Contains(ev.Message, "completed") {
				fmt.Fprintf(stderr, "\033[90m%s\033[0m\n", ev.Message)
			}
			if ev.Code != 0 {
				return &exitError{code: ev.Code}
			}
			return nil
		}
	}
	return &exitError{code: 130}
}
