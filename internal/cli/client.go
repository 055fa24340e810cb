package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hostgate/internal/prompt"
)

// client talks to the management API of a running gate. The API is only
// reachable through the gate itself, so it is normally used from the same
// machine.
type client struct {
	base string
	http *http.Client
}

func (o *rootOptions) client(rawURL string) (*client, error) {
	if rawURL == "" {
		cfg, err := o.load()
		if err != nil {
			return nil, err
		}
		rawURL = "http://" + cfg.Listen
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gate URL %q", rawURL)
	}
	return &client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends the request and returns the body of a 2xx response. Other
// statuses become errors carrying the server's message.
func (c *client) do(method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Reason != "" {
				return nil, fmt.Errorf("%s: %s (%s)", resp.Status, e.Error, e.Reason)
			}
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func addURLFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "url", "", "Gate base URL (default http://<listen> from config)")
}

func newStateCmd(opts *rootOptions) *cobra.Command {
	var (
		rawURL string
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the access lists and pending hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(rawURL)
			if err != nil {
				return err
			}
			data, err := c.do(http.MethodGet, "/security/state", nil)
			if err != nil {
				return err
			}
			if pretty {
				var buf bytes.Buffer
				if err := json.Indent(&buf, data, "", "  "); err == nil {
					data = append(buf.Bytes(), '\n')
				}
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addURLFlag(cmd, &rawURL)
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty-print the JSON response")
	return cmd
}

func newListCmd(opts *rootOptions, use, short, result string) *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   use + " <host>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendDecision(cmd, opts, rawURL, args[0], result)
		},
	}
	addURLFlag(cmd, &rawURL)
	return cmd
}

func newDecideCmd(opts *rootOptions) *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   "decide <host> <allow-once|deny-once|whitelist|blacklist>",
		Short: "Answer a pending prompt from the command line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := prompt.ParseResult(args[1])
			if !ok || r == prompt.Timeout {
				return fmt.Errorf("unknown decision %q", args[1])
			}
			return sendDecision(cmd, opts, rawURL, args[0], string(r))
		},
	}
	addURLFlag(cmd, &rawURL)
	return cmd
}

func sendDecision(cmd *cobra.Command, opts *rootOptions, rawURL, host, result string) error {
	c, err := opts.client(rawURL)
	if err != nil {
		return err
	}
	data, err := c.do(http.MethodPost, "/security/decision", map[string]string{
		"host":     host,
		"decision": result,
	})
	if err != nil {
		return err
	}

	var resp struct {
		Host     string `json:"host"`
		Decision string `json:"decision"`
		Resolved bool   `json:"resolved"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	out := cmd.OutOrStdout()
	if resp.Resolved {
		fmt.Fprintf(out, "%s: %s (pending prompt answered)\n", resp.Host, resp.Decision)
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", resp.Host, resp.Decision)
	return nil
}

func newRemoveCmd(opts *rootOptions, use, short, list string) *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   use + " <host>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(rawURL)
			if err != nil {
				return err
			}
			data, err := c.do(http.MethodDelete, "/security/"+list+"/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			var resp struct {
				Host string `json:"host"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: removed from %s\n", resp.Host, list)
			return nil
		},
	}
	addURLFlag(cmd, &rawURL)
	return cmd
}
