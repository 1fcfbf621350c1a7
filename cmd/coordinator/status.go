package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"a2a-coordinator/internal/infra/config"
)

var (
	statusAddr   string
	statusHealth bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running coordinator",
	Long:  `Fetch /api/coordinator/status (or /healthz with --health) from a running gateway and print it.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "gateway address (default: gateway.addr from the config)")
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "print the health report instead of the full status")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		addr = cfg.Gateway.Addr
	}
	path := "/api/coordinator/status"
	if statusHealth {
		path = "/healthz"
	}

	body, err := fetchStatus(cmd.Context(), statusURL(addr, path))
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	cmd.Println(out.String())
	return nil
}

// statusURL turns a host:port or URL into the endpoint URL.
func statusURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

func fetchStatus(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	// 503 still carries a health report worth printing.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
