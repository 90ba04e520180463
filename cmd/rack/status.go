package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/dashboard"
	"github.com/mediarack/rack/internal/rack/engine"
	"github.com/mediarack/rack/internal/rack/journal"
	"github.com/mediarack/rack/internal/rack/localdb"
	"github.com/mediarack/rack/internal/ui"
)

var errNoHistory = errors.New("no sync has run yet")

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show synchronizer status",
	Long: `Show what the synchronizer is doing and how recent passes went.

The status comes from the running daemon when there is one, otherwise from
the pass journal the last daemon or 'rack sync' left behind.

Formats: text (default), json, yaml, toml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		format, _ := cmd.Flags().GetString("format")
		limit, _ := cmd.Flags().GetInt("recent")
		noColor, _ := cmd.Flags().GetBool("no-color")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		view, err := collectStatus(ctx, cfg, limit)
		if errors.Is(err, errNoHistory) {
			fmt.Printf("%s %v\n", ui.RenderWarn("⚠"), err)
			fmt.Printf("   Run 'rack sync' or 'rack daemon' to start syncing\n")
			return
		}
		if err != nil {
			fatalf("%v", err)
		}

		view.Pending = pendingUploads(ctx, cfg)

		if err := writeStatus(os.Stdout, format, view, noColor); err != nil {
			fatalf("%v", err)
		}
	},
}

// collectStatus asks a running daemon first and falls back to the journal.
func collectStatus(ctx context.Context, cfg *config.Config, limit int) (ui.StatusView, error) {
	if addr := dashboardAddr(cfg); addr != "" {
		client := dashboard.NewClient(addr)
		if st, err := client.Status(ctx); err == nil {
			view := ui.StatusView{
				Source:      "daemon",
				Activity:    st.Activity,
				Direction:   st.Direction,
				LastSuccess: st.LastSuccess,
				LastError:   st.LastError,
				Interval:    st.Interval,
			}
			if limit > 0 {
				view.Recent, _ = client.Recent(ctx, limit)
			}
			return view, nil
		}
	}

	if _, err := os.Stat(cfg.StatePath); errors.Is(err, os.ErrNotExist) {
		return ui.StatusView{}, errNoHistory
	}
	jrnl, err := journal.OpenReadOnly(cfg.StatePath)
	if err != nil {
		return ui.StatusView{}, fmt.Errorf("%w (a daemon without a dashboard may hold it)", err)
	}
	defer jrnl.Close()

	sum, err := jrnl.Summary()
	if err != nil {
		return ui.StatusView{}, err
	}
	if sum.LastPass == nil && sum.Activity == "" {
		return ui.StatusView{}, errNoHistory
	}

	view := ui.StatusView{
		Source:      "journal",
		LastSuccess: sum.LastSuccess,
	}
	if sum.Activity != "" {
		// The journal keeps the last activity seen, which may be stale.
		_ = view.Activity.UnmarshalText([]byte(sum.Activity))
	}
	if sum.LastPass != nil && sum.LastPass.Outcome == engine.OutcomeError {
		view.LastError = sum.LastPass.Err
	}
	if limit > 0 {
		if view.Recent, err = jrnl.Recent(limit); err != nil {
			return ui.StatusView{}, err
		}
	}
	return view, nil
}

// pendingUploads counts local entries waiting for the upload phase, or 0 when
// the local catalog can't be read.
func pendingUploads(ctx context.Context, cfg *config.Config) int {
	if _, err := os.Stat(cfg.LocalPath); err != nil {
		return 0
	}
	local, err := localdb.Open(cfg.LocalPath)
	if err != nil {
		return 0
	}
	defer local.Close()

	counts, err := local.CountByStatus(ctx)
	if err != nil {
		return 0
	}
	return counts[catalog.StatusNew] + counts[catalog.StatusChanged] + counts[catalog.StatusDeleted]
}

func writeStatus(w io.Writer, format string, view ui.StatusView, noColor bool) error {
	switch format {
	case "", "text":
		styles := ui.NewStyles(ui.NewRenderer(w, noColor))
		_, err := io.WriteString(w, ui.RenderStatus(styles, view, time.Now()))
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(view)
	case "toml":
		return toml.NewEncoder(w).Encode(view)
	default:
		return fmt.Errorf("unknown format %q (want text, json, yaml or toml)", format)
	}
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "output format: text, json, yaml, toml")
	statusCmd.Flags().IntP("recent", "n", 5, "number of recent passes to show")
	statusCmd.Flags().Bool("no-color", false, "disable colored output")
	rootCmd.AddCommand(statusCmd)
}
