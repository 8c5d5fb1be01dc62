package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/offsync/internal/cloudsync"
	"github.com/clawinfra/offsync/internal/config"
	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/remote"
	"github.com/clawinfra/offsync/internal/security"
)

// EnvToken is the bearer token the admin commands send to the daemon.
const EnvToken = "OFFSYNC_TOKEN"

// clientOptions address a running daemon.
type clientOptions struct {
	addr  string
	token string
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", "", "daemon address (default http://localhost:<server.port>)")
	cmd.Flags().StringVar(&o.token, "token", "", "bearer token (default $"+EnvToken+")")
}

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(root *rootOptions, o *clientOptions) (*apiClient, error) {
	base := o.addr
	if base == "" {
		cfg, err := config.Load(root.configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			cfg = config.DefaultConfig()
		case err != nil:
			return nil, err
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	token := o.token
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (http %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(root, opts)
			if err != nil {
				return err
			}
			var st cloudsync.SyncStatus
			if err := client.do(cmd.Context(), http.MethodGet, "/api/status", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := "offline"
			if st.Online {
				state = "online"
			}
			fmt.Fprintf(out, "Connectivity:  %s\n", state)
			fmt.Fprintf(out, "Pending:       %d\n", st.PendingCount)
			fmt.Fprintf(out, "Draining:      %v\n", st.InProgress)
			fmt.Fprintf(out, "Last sync:     %s\n", formatTime(st.LastSyncAt))
			fmt.Fprintf(out, "Last backup:   %s\n", formatTime(st.LastBackupAt))
			fmt.Fprintf(out, "Abandoned:     %d\n", st.AbandonedCount)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func newQueueCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the pending queue",
	}

	listOpts := &clientOptions{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending changes in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(root, listOpts)
			if err != nil {
				return err
			}
			var resp struct {
				Items []queue.Item `json:"items"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/queue", &resp); err != nil {
				return err
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tRECORD\tATTEMPTS\tENQUEUED")
			for _, it := range resp.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.ID, it.Kind, it.Ref(), it.Attempts, it.EnqueuedAt.Local().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	listOpts.bind(list)

	clearOpts := &clientOptions{}
	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending change (local records are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to discard pending changes without --yes")
			}
			client, err := newAPIClient(root, clearOpts)
			if err != nil {
				return err
			}
			var resp struct {
				Removed int `json:"removed"`
			}
			if err := client.do(cmd.Context(), http.MethodDelete, "/api/queue", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d pending change(s)\n", resp.Removed)
			return nil
		},
	}
	clearOpts.bind(clearCmd)
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding pending changes")

	syncOpts := &clientOptions{}
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(root, syncOpts)
			if err != nil {
				return err
			}
			var res queue.DrainResult
			if err := client.do(cmd.Context(), http.MethodPost, "/api/sync", &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Drain %s: %d synced, %d retried, %d abandoned, %d remaining\n",
				res.Status, len(res.Synced), len(res.Retried), len(res.Abandoned), res.Remaining)
			return nil
		},
	}
	syncOpts.bind(syncCmd)

	cmd.AddCommand(list, clearCmd, syncCmd)
	return cmd
}

func initSchema(ctx context.Context, gw remote.Gateway) error {
	si, ok := gw.(remote.SchemaInitializer)
	if !ok {
		return fmt.Errorf("remote backend cannot create its schema")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := si.InitSchema(ctx); err != nil {
		return fmt.Errorf("init remote schema: %w", err)
	}
	return nil
}

func newInitRemoteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-remote",
		Short: "Create the remote records table and verify access",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, _ := newLogger("info", "")
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gw, err := remote.Open(remoteConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer gw.Close() //nolint:errcheck

			if err := initSchema(cmd.Context(), gw); err != nil {
				return err
			}
			if err := gw.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping remote: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Remote %s store ready\n", cfg.Remote.Driver)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with $" + security.EnvJWTSecret,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := security.GetJWTSecret()
			if secret == nil {
				return fmt.Errorf("%s is not set", security.EnvJWTSecret)
			}
			tok, err := security.GenerateToken(subject, role, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "default", "token subject (device or operator id)")
	cmd.Flags().StringVar(&role, "role", security.RoleDevice, "role: "+strings.Join(security.ValidRoles, ", "))
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config (format follows the file extension)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(root.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", root.configPath)
			}
			if err := config.DefaultConfig().Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", root.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%s store, %s remote)\n", root.configPath, cfg.Store.Driver, cfg.Remote.Driver)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validate)
	return cmd
}
