package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// client calls the gateway HTTP surface. Failures carry only a status code.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(method, path, contentType string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, out, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return resp, out, nil
}

func (c *client) doJSON(method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	_, data, err := c.do(method, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func controlCmds(g *globalFlags) []*cobra.Command {
	put := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := newClient(g.addr).doJSON(http.MethodPut, path, nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			},
		}
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the gateway is connected to its machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Status string `json:"status"`
			}
			if err := newClient(g.addr).doJSON(http.MethodGet, "/machine-status", nil, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Status)
			return nil
		},
	}

	send := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send a batch of machine commands",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				SentCommands int `json:"sent_commands"`
			}
			in := map[string][]string{"commands": args}
			if err := newClient(g.addr).doJSON(http.MethodPost, "/commands", in, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent_commands: %d\n", out.SentCommands)
			return nil
		},
	}

	var size int
	responses := &cobra.Command{
		Use:   "responses",
		Short: "Fetch the latest machine responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Responses string `json:"responses"`
			}
			in := map[string]int{"size": size}
			if err := newClient(g.addr).doJSON(http.MethodGet, "/responses", in, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Responses)
			return nil
		},
	}
	responses.Flags().IntVar(&size, "size", 100, "Number of characters to fetch")

	var baud int
	configure := &cobra.Command{
		Use:   "config",
		Short: "Apply machine settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]int{"baudrate": baud}
			if err := newClient(g.addr).doJSON(http.MethodPut, "/machine-config", in, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	configure.Flags().IntVar(&baud, "baud", 0, "Serial baud rate")
	_ = configure.MarkFlagRequired("baud")

	var contentType string
	test := &cobra.Command{
		Use:   "test <payload>",
		Short: "Round-trip a payload through the echo endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			resp, out, err := newClient(g.addr).do(http.MethodGet, "/test", contentType, []byte(args[0]))
			if err != nil {
				return err
			}
			if string(out) != args[0] {
				return fmt.Errorf("echo mismatch: sent %q, got %q", args[0], out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %s)\n", out, resp.Header.Get("Content-Type"), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	test.Flags().StringVar(&contentType, "content-type", "text/plain", "Content type to send")

	return []*cobra.Command{
		put("start", "Start the machine", "/start"),
		put("stop", "Stop the machine", "/stop"),
		put("clear", "Drop commands that were not yet sent", "/clear"),
		status,
		send,
		responses,
		configure,
		test,
	}
}
