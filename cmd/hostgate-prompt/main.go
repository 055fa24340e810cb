// hostgate-prompt is the default helper for exec prompts. It reads one
// framed request on stdin, asks on the controlling terminal and writes one
// framed response on stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"hostgate/internal/action"
	"hostgate/internal/frame"
	"hostgate/internal/hostid"
	"hostgate/internal/prompt"
)

func main() {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ExitOnError)
	ttyPath := fs.String("tty", defaultTTY(), "Terminal device to prompt on")
	_ = fs.Parse(os.Args[1:])

	tty, err := os.OpenFile(*ttyPath, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostgate-prompt: open %s: %v\n", *ttyPath, err)
		// Still answer so the gate does not wait for the timeout.
		_ = frame.WriteJSON(os.Stdout, prompt.Response{Decision: string(prompt.DenyOnce)})
		os.Exit(1)
	}
	defer tty.Close()

	if err := answer(context.Background(), os.Stdin, os.Stdout, tty, tty); err != nil {
		fmt.Fprintf(os.Stderr, "hostgate-prompt: %v\n", err)
		os.Exit(1)
	}
}

func defaultTTY() string {
	if runtime.GOOS == "windows" {
		return "CONIN$"
	}
	return "/dev/tty"
}

// answer handles one request. Whatever goes wrong after the request is read,
// a response is written; it is deny-once unless the human chose otherwise.
func answer(ctx context.Context, stdin io.Reader, stdout io.Writer, ttyIn io.Reader, ttyOut io.Writer) error {
	var req prompt.Request
	if err := frame.ReadJSON(bufio.NewReader(stdin), &req); err != nil {
		_ = frame.WriteJSON(stdout, prompt.Response{Decision: string(prompt.DenyOnce)})
		return fmt.Errorf("read request: %w", err)
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	term := prompt.NewTerminal(ttyIn, ttyOut, timeout)
	result, err := term.Prompt(ctx, hostid.Identity(req.Host), action.Action(req.Action))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = prompt.Timeout
	case err != nil:
		result = prompt.DenyOnce
	}

	return frame.WriteJSON(stdout, prompt.Response{ID: req.ID, Decision: string(result)})
}
