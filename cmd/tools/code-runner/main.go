package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/fx"

	"github.com/michaelbrown/runbox/internal/app"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/session"
)

const maxOutput = 4000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "code-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// stdout belongs to the MCP protocol; logs already go to stderr.
	cfg.Logging.Level = "warn"

	var mgr *session.Manager
	a := fx.New(app.Options(cfg, fx.Populate(&mgr)), fx.NopLogger)
	if err := a.Err(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	return server.ServeStdio(newServer(mgr))
}

func newServer(mgr *session.Manager) *server.MCPServer {
	names := mgr.Languages().Names()
	s := server.NewMCPServer("runbox-code-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a Docker sandbox. Supported languages: %s.", strings.Join(names, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language",
					"enum":        names,
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, codeRunHandler(mgr))
	return s
}

func codeRunHandler(mgr *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)

		if language == "" || code == "" {
			return errResult("error: 'language' and 'code' are required"), nil
		}

		res, err := session.Collect(ctx, mgr, session.Submit{
			Language:   language,
			Source:     code,
			Stdin:      stdin,
			CloseStdin: true,
		}, maxOutput)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		if res.Failed() {
			return errResult("error: " + res.Error), nil
		}

		text := formatResult(res)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
			IsError: res.ExitCode != 0,
		}, nil
	}
}

func formatResult(res *session.Result) string {
	var output strings.Builder
	if res.Stdout != "" {
		output.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.ExitCode != 0 {
		output.WriteString(fmt.Sprintf("\nexit code: %d", res.ExitCode))
	}

	text := output.String()
	if len(text) > maxOutput {
		n := maxOutput
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
		res.Truncated = true
	}
	if res.Truncated {
		text += "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
