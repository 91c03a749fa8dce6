package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Remote control commands: thin HTTP clients against a running service.

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <snapshot-id> <tenant>",
		Short: "Force a snapshot refresh on a running service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callRemote(cmd, http.MethodPost, fmt.Sprintf("/refresh/%s/%s", args[0], args[1]))
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <snapshot-id> <tenant>",
		Short: "Show refresh status for a snapshot on a running service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callRemote(cmd, http.MethodGet, fmt.Sprintf("/refresh/%s/%s/status", args[0], args[1]))
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "127.0.0.1:8080", "Address of the running service")
	cmd.Flags().String("principal", "admin", "Principal to act as")
}

func callRemote(cmd *cobra.Command, method, path string) error {
	addr, _ := cmd.Flags().GetString("addr")
	principal, _ := cmd.Flags().GetString("principal")

	req, err := http.NewRequestWithContext(cmd.Context(), method, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Principal", principal)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	fmt.Println()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}
