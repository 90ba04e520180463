package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/rack/dashboard"
	"github.com/mediarack/rack/internal/ui"
)

var ctlCmd = &cobra.Command{
	Use:     "ctl <pause|resume|reset|sync>",
	GroupID: "sync",
	Short:   "Control a running daemon",
	Long: `Send a control request to the running daemon.

  pause   stop syncing and cancel the pass in flight
  resume  leave pause and restart the timer
  reset   clear an error (after a conflict or failure) and restart the timer
  sync    run a pass now`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pause", "resume", "reset", "sync"},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		addr := dashboardAddr(cfg)
		if addr == "" {
			fatalf("the dashboard is disabled (dashboard.port is 0); 'rack ctl' needs it")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := dashboard.NewClient(addr).Control(ctx, args[0])
		if errors.Is(err, dashboard.ErrNotRunning) {
			fatalf("no daemon answering on %s; start one with 'rack daemon'", addr)
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s %s: now %s\n", ui.RenderPass("✓"), args[0], st.Activity)
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
}
