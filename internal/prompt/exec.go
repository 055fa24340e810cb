package prompt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"hostgate/internal/action"
	"hostgate/internal/frame"
	"hostgate/internal/hostid"
)

// Request is the frame written to the helper's stdin.
type Request struct {
	ID             string   `json:"id"`
	Host           string   `json:"host"`
	Action         string   `json:"action"`
	Message        string   `json:"message"`
	Choices        []Result `json:"choices"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Response is the frame the helper writes to stdout.
type Response struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

var decisionWord = regexp.MustCompile(`allow-once|deny-once|whitelist|blacklist`)

// Exec runs Command once per prompt. The helper gets a framed Request on
// stdin and answers with a framed Response on stdout. Helpers that cannot
// speak frames may print a bare decision word instead. Anything else is
// deny-once. The process is killed when the context ends.
type Exec struct {
	Command string
	Args    []string
	// Timeout is passed to the helper so it can show a countdown. The
	// caller's context is what actually bounds the prompt.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (e *Exec) Prompt(ctx context.Context, host hostid.Identity, act action.Action) (Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	req := Request{
		ID:             uuid.NewString(),
		Host:           string(host),
		Action:         string(act),
		Message:        message(host, act),
		Choices:        Choices,
		TimeoutSeconds: int(e.Timeout / time.Second),
	}
	var stdin bytes.Buffer
	if err := frame.WriteJSON(&stdin, req); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	logger.Debug("prompt helper spawn", "command", e.Command, "host", string(host), "action", string(act), "id", req.ID)
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	raw := stdout.Bytes()
	logger.Info("prompt helper finished",
		"host", string(host),
		"action", string(act),
		"id", req.ID,
		"stdout", strings.TrimSpace(string(raw)),
		"stderr", strings.TrimSpace(stderr.String()),
	)

	var resp Response
	if err := frame.ReadJSON(bufio.NewReader(bytes.NewReader(raw)), &resp); err == nil {
		return framedResult(resp, req.ID, logger), nil
	}
	if m := decisionWord.Find(raw); m != nil {
		return Result(m), nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("run prompt helper: %w", runErr)
		}
		logger.Warn("prompt helper exited with error", "host", string(host), "code", exitErr.ExitCode())
	}
	return DenyOnce, nil
}

// framedResult fails closed on an answer to some other request or an
// unknown word.
func framedResult(resp Response, id string, logger *slog.Logger) Result {
	if resp.ID != "" && resp.ID != id {
		logger.Warn("prompt helper answered another request", "id", id, "got", resp.ID)
		return DenyOnce
	}
	r, ok := ParseResult(resp.Decision)
	if !ok {
		return DenyOnce
	}
	return r
}
