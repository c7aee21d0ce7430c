package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/session"
)

// builtinExecutor implements the basic file tools the built-in role
// indices reference. Anything beyond these ships as an external
// collaborator wired through a custom executor.
type builtinExecutor struct{}

func newBuiltinExecutor() session.ToolExecutor {
	return builtinExecutor{}
}

// Execute dispatches on tool name. Governance has already authorized the
// call by the time it reaches the executor.
func (builtinExecutor) Execute(call llm.ToolCall) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if call.Arguments != "" {
		if err := call.ParseArguments(&args); err != nil {
			return "", err
		}
	}

	switch call.Name {
	case "read_file":
		data, err := os.ReadFile(args.Path)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "write_file":
		if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil

	case "delete_file":
		if err := os.Remove(args.Path); err != nil {
			return "", err
		}
		return "deleted " + args.Path, nil

	case "list_dir":
		entries, err := os.ReadDir(args.Path)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil

	default:
		return "", fmt.Errorf("no executor for tool %q", call.Name)
	}
}

// consoleBroker resolves human checkpoints on the terminal. The runner's
// approval timeout still applies; a rejection or timeout returns a "not
// approved" result to the model.
type consoleBroker struct{}

func newConsoleBroker() session.ApprovalBroker {
	return consoleBroker{}
}

func (consoleBroker) RequestApproval(ctx context.Context, req session.ApprovalRequest) (bool, error) {
	fmt.Fprintf(os.Stderr, "\napproval required for tool %q (session %s)\n", req.ToolName, req.SessionID)
	if req.Reason != "" {
		fmt.Fprintf(os.Stderr, "reason: %s\n", req.Reason)
	}
	if req.Arguments != "" {
		fmt.Fprintf(os.Stderr, "arguments: %s\n", req.Arguments)
	}
	fmt.Fprint(os.Stderr, "approve? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()

	select {
	case line := <-answer:
		return line == "y" || line == "yes", nil
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\napproval timed out, treating as rejection")
		return false, nil
	}
}
