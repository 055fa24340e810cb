package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"hostgate/internal/action"
	"hostgate/internal/hostid"
)

// Terminal asks on a terminal: it draws a box on out and reads one line
// from in. Prompts are shown one at a time. An empty line, end of input or
// an unreadable answer denies once.
type Terminal struct {
	in  io.Reader
	out io.Writer

	// Timeout is only displayed; the caller's context bounds the prompt.
	Timeout time.Duration

	mu        sync.Mutex
	startOnce sync.Once
	lines     chan string
}

func NewTerminal(in io.Reader, out io.Writer, timeout time.Duration) *Terminal {
	return &Terminal{in: in, out: out, Timeout: timeout}
}

var (
	boxColor  = color.New(color.FgYellow, color.Bold)
	hostColor = color.New(color.FgCyan)
)

func (t *Terminal) Prompt(ctx context.Context, host hostid.Identity, act action.Action) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// The wait for the lock may have outlived the caller.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.startOnce.Do(t.startReader)

	boxColor.Fprintf(t.out, "[hostgate] ┌─ ACCESS REQUEST ─────────────────────────────\n")
	fmt.Fprintf(t.out, "[hostgate] │ Host:   %s\n", hostColor.Sprint(host))
	fmt.Fprintf(t.out, "[hostgate] │ Action: %s\n", act)
	if t.Timeout > 0 {
		fmt.Fprintf(t.out, "[hostgate] │ No answer within %s denies once.\n", t.Timeout)
	}
	boxColor.Fprintf(t.out, "[hostgate] └──────────────────────────────────────────────\n")

	for {
		fmt.Fprintf(t.out, "[hostgate] [a]llow once / [d]eny once / [w]hitelist / [b]lacklist: ")

		var line string
		select {
		case l, ok := <-t.lines:
			if !ok {
				fmt.Fprintf(t.out, "\n")
				return DenyOnce, nil
			}
			line = l
		case <-ctx.Done():
			fmt.Fprintf(t.out, "\n[hostgate] no answer for %s, denied\n", host)
			return "", ctx.Err()
		}

		input := strings.ToLower(strings.TrimSpace(line))
		if input == "" {
			return DenyOnce, nil
		}
		if r, ok := ParseResult(input); ok && r != Timeout {
			return r, nil
		}
		switch input[0] {
		case 'a', 'y':
			return AllowOnce, nil
		case 'd', 'n':
			return DenyOnce, nil
		case 'w':
			return Whitelist, nil
		case 'b':
			return Blacklist, nil
		}
		fmt.Fprintf(t.out, "[hostgate] invalid choice, try again\n")
	}
}

// startReader feeds lines from In into a channel so a prompt can give up
// without leaving a blocked read behind. Lines are answered in order.
func (t *Terminal) startReader() {
	t.lines = make(chan string, 8)
	go func() {
		defer close(t.lines)
		r := bufio.NewReader(t.in)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				t.lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()
}
