package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"miel/internal/config"
	"miel/internal/statusapi"
)

func newStatusCommand() *cobra.Command {
	var configPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "query the running daemon's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := addr
			if target == "" {
				cfg, err := config.Load(resolveConfigPath(configPath))
				if err != nil {
					return err
				}
				target = cfg.Global.StatusAddressOrDefault()
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/status", target))
			if err != nil {
				return fmt.Errorf("query status endpoint at %s: %w", target, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status endpoint returned %s", resp.Status)
			}

			var st statusapi.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status response: %w", err)
			}

			printStatus(cmd, st)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the miel config file, used only to find the status address")
	cmd.Flags().StringVar(&addr, "addr", "", "status API address (host:port), overrides config lookup")
	return cmd
}

func printStatus(cmd *cobra.Command, st statusapi.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s (uptime %.0fs)\n", st.Status, st.UptimeSeconds)
	fmt.Fprintf(out, "admission: %d filter_rejected, %d rate_limited, %d admission_dropped\n", st.FilterRejected, st.RateLimited, st.AdmissionDropped)
	for _, svc := range st.Services {
		line := fmt.Sprintf("  %-16s ready=%d/%d spawning=%d", svc.Service, svc.Ready, svc.Target, svc.Spawning)
		if svc.BreakerOpen {
			line += fmt.Sprintf(" BREAKER_OPEN (%s)", svc.LastError)
		}
		fmt.Fprintln(out, line)
	}
}
