// ABOUTME: Interactive CLI client for loom-gateway chat and agent sessions
// ABOUTME: Streams SSE chat turns and follows handoffs onto the session socket

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/sessionclient"
)

// cliConfig is the TOML config at ~/.config/loom/cli.toml. Flags override it.
type cliConfig struct {
	Server    string `toml:"server"`
	Workspace string `toml:"workspace"`
	Thread    string `toml:"thread"`
}

// getConfigPath returns the CLI config path.
// Priority: LOOM_CLI_CONFIG env var > XDG_CONFIG_HOME/loom/cli.toml > ~/.config/loom/cli.toml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_CLI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cli.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "loom", "cli.toml")
}

func loadConfig() cliConfig {
	cfg := cliConfig{
		Server:    "http://localhost:8080",
		Workspace: "general",
	}
	if _, err := toml.DecodeFile(getConfigPath(), &cfg); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: ignoring config: %v\n", err)
	}
	return cfg
}

// chatRequest is the JSON body sent to the stream-chat endpoint.
type chatRequest struct {
	Message     string `json:"message"`
	IsAgentMode bool   `json:"isAgentMode,omitempty"`
}

func main() {
	cfg := loadConfig()
	server := flag.String("server", cfg.Server, "Gateway server URL")
	workspace := flag.String("workspace", cfg.Workspace, "Workspace slug")
	thread := flag.String("thread", cfg.Thread, "Thread slug for conversation continuity")
	flag.Parse()

	fmt.Printf("loom-cli connected to %s (workspace %s)\n", *server, *workspace)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *workspace, *thread); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, workspace, thread string) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		input, err := readLine(ctx, scanner)
		if err == io.EOF || err == context.Canceled {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		agentMode := false
		switch {
		case input == "/help":
			printHelp()
			continue
		case input == "/quit" || input == "/exit":
			return nil
		case strings.HasPrefix(input, "/agent "):
			agentMode = true
			input = strings.TrimSpace(strings.TrimPrefix(input, "/agent "))
			if input == "" {
				fmt.Println("Usage: /agent <task>")
				continue
			}
		case strings.HasPrefix(input, "/"):
			fmt.Printf("Unknown command: %s\n", input)
			continue
		}

		if err := streamTurn(ctx, scanner, server, workspace, thread, input, agentMode); err != nil {
			color.Red("error: %v", err)
		}
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /agent <task>   Run the task as an agent session")
	fmt.Println("  /stop           Stop generation (during a session)")
	fmt.Println("  /quit           Exit")
	fmt.Println("During an agent session, exit/stop/halt end the session.")
}

// readLine reads one stdin line without blocking context cancellation.
func readLine(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	inputCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		if scanner.Scan() {
			inputCh <- scanner.Text()
		} else if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- io.EOF
		}
	}()

	select {
	case <-ctx.Done():
		return "", context.Canceled
	case err := <-errCh:
		return "", err
	case line := <-inputCh:
		return line, nil
	}
}

// streamTurn runs one chat turn, following a handoff into an agent session.
func streamTurn(ctx context.Context, scanner *bufio.Scanner, server, workspace, thread, message string, agentMode bool) error {
	url := fmt.Sprintf("%s/workspace/%s/stream-chat", server, workspace)
	if thread != "" {
		url = fmt.Sprintf("%s/workspace/%s/thread/%s/stream-chat", server, workspace, thread)
	}

	body, err := json.Marshal(chatRequest{Message: message, IsAgentMode: agentMode})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	invocationID, err := printSSE(resp.Body)
	if err != nil {
		return err
	}
	if invocationID != "" {
		return followSession(ctx, scanner, server, invocationID)
	}
	return nil
}

// printSSE renders the one-shot frame stream, returning the invocation id if
// the turn handed off to an agent session.
func printSSE(r io.Reader) (string, error) {
	var invocationID string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		f, err := frame.Decode([]byte(data))
		if err != nil {
			continue
		}
		if f.Type == frame.KindHandoff {
			invocationID = f.InvocationID
		}
		printFrame(f)
		if f.Terminal() {
			break
		}
	}
	return invocationID, scanner.Err()
}

// followSession attaches to the agent session and relays frames and feedback.
func followSession(ctx context.Context, scanner *bufio.Scanner, server, invocationID string) error {
	sessionCfg := config.SessionConfig{
		HeartbeatInterval: config.DefaultHeartbeatInterval,
		HealthyPongWindow: config.DefaultHealthyPongWindow,
		DeadPongWindow:    config.DefaultDeadPongWindow,
		OpenTimeout:       config.DefaultOpenTimeout,
		BackoffBase:       config.DefaultBackoffBase,
		BackoffCeiling:    config.DefaultBackoffCeiling,
		MaxRetries:        config.DefaultMaxRetries,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client := sessionclient.New(server, invocationID, sessionCfg, logger)
	client.Start()
	defer client.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Stop()
			return nil
		case f, ok := <-client.Frames():
			if !ok {
				return nil
			}
			printFrame(f)
			if f.Type != frame.KindWaitingOnInput {
				continue
			}

			fmt.Print("? ")
			answer, err := readLine(ctx, scanner)
			if err != nil {
				client.Stop()
				return nil
			}
			answer = strings.TrimSpace(answer)
			if answer == "/stop" {
				client.Stop()
				continue
			}
			if err := client.SendFeedback(answer); err != nil {
				color.Red("error: %v", err)
			}
		}
	}
}

// printFrame renders one frame for the terminal.
func printFrame(f *frame.Frame) {
	switch f.Type {
	case frame.KindTextResponseChunk:
		fmt.Print(f.TextResponse)
	case frame.KindTextResponse:
		fmt.Println(f.TextResponse)
	case frame.KindFinalizeResponseStream:
		fmt.Println()
		if f.Metrics != nil && f.Metrics.TotalTokens > 0 {
			color.New(color.FgHiBlack).Printf("[%d tokens, %.1fs]\n", f.Metrics.TotalTokens, f.Metrics.Duration)
		}
	case frame.KindAbort:
		fmt.Println()
		color.Red("aborted: %s", f.Error)
	case frame.KindStatusResponse:
		color.New(color.FgHiBlack).Printf("· %s\n", f.TextResponse)
	case frame.KindHandoff:
		color.Cyan("→ agent session %s", f.InvocationID)
	case frame.KindWaitingOnInput:
		fmt.Println()
		color.Yellow("agent asks: %s", f.Question)
	case frame.KindWSSFailure:
		color.Red("session failed: %s", f.Error)
	case frame.KindStopGeneration:
		color.New(color.FgHiBlack).Println("· generation stopped")
	}
}
