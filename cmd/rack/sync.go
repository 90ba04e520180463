package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/dashboard"
	"github.com/mediarack/rack/internal/rack/engine"
	"github.com/mediarack/rack/internal/rack/journal"
	"github.com/mediarack/rack/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Run a single synchronization pass and report what it did.

If a daemon is running, the pass is requested from the daemon instead.

Options:
  --since    download every remote change after this time instead of the
             last sync ("2024-03-01", "2 days ago", "last monday")
  --policy   use this conflict policy for this pass only`,
	Example: `  rack sync
  rack sync --since "3 days ago"
  rack sync --policy fail_on_conflict`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfigured()
		sinceFlag, _ := cmd.Flags().GetString("since")
		policyFlag, _ := cmd.Flags().GetString("policy")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if addr := dashboardAddr(cfg); addr != "" {
			client := dashboard.NewClient(addr)
			if _, err := client.Status(ctx); err == nil {
				if sinceFlag != "" || policyFlag != "" {
					fatalf("a daemon is running; --since and --policy need it stopped (or use 'rack ctl sync')")
				}
				if _, err := client.Control(ctx, "sync"); err != nil {
					fatalf("%v", err)
				}
				fmt.Printf("%s Sync requested from the running daemon\n", ui.RenderPass("✓"))
				return
			}
		}

		syncCfg := &engine.Config{
			SyncInterval:    cfg.SyncInterval,
			RecheckInterval: cfg.RecheckInterval,
			RemoteTimeout:   cfg.RemoteTimeout,
		}
		if policyFlag != "" {
			p, err := catalog.ParseConflictPolicy(policyFlag)
			if err != nil {
				fatalf("%v", err)
			}
			syncCfg.Policy = p
		}
		if sinceFlag != "" {
			since, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			syncCfg.Since = &since
		}

		logger, closer := setupLogger(cfg)
		defer closer.Close()
		syncCfg.Logger = logger

		if syncCfg.Since != nil {
			fmt.Printf("Syncing changes since %s...\n", syncCfg.Since.Local().Format("2006-01-02 15:04"))
		}
		res, err := runPass(ctx, cfg, syncCfg)
		if res != nil {
			printPass(res)
		}
		if err != nil {
			closer.Close()
			if engine.IsConflict(err) {
				fatalf("%v\nThe local entry was kept. Re-run with --policy keep_remote to take the remote copy.", err)
			}
			if errors.Is(err, context.Canceled) {
				fatalf("sync cancelled")
			}
			fatalf("%v", err)
		}
	},
}

// runPass runs one pass against the configured catalogs. Every store it
// opens is closed before it returns, whatever the outcome.
func runPass(ctx context.Context, cfg *config.Config, syncCfg *engine.Config) (*engine.PassResult, error) {
	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := st.session.EnsureUser(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare user %s: %w", cfg.UserName, err)
	}
	if err := st.remote.Connect(ctx); err != nil {
		return nil, fmt.Errorf("remote catalog %s: %w", cfg.RemoteURL, err)
	}

	s := engine.New(st.remote, st.local, st.session, syncCfg)
	defer s.Shutdown()

	// The journal is locked while a daemon runs without a dashboard;
	// the pass still runs, it just isn't recorded.
	if jrnl, err := journal.Open(cfg.StatePath, 0, syncCfg.Logger); err != nil {
		syncCfg.Logger.Warn("pass will not be journaled", "error", err)
	} else {
		defer jrnl.Close()
		s.Subscribe(jrnl)
	}

	return s.RunOnce(ctx)
}

func printPass(res *engine.PassResult) {
	mark := ui.RenderPass("✓")
	if res.Outcome != engine.OutcomeOK {
		mark = ui.RenderFail("✗")
	}
	fmt.Printf("%s Sync %s in %v (policy %s)\n", mark, res.Outcome, res.Duration().Round(time.Millisecond), res.Policy)
	fmt.Printf("   Downloaded: %d fetched, %d inserted, %d overwritten, %d skipped", res.Fetched, res.Inserted, res.Overwritten, res.Skipped)
	if res.Failed > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("%d failed", res.Failed)))
	}
	fmt.Println()
	fmt.Printf("   Uploaded:   %d pushed", res.Pushed)
	if res.PushFailed > 0 {
		fmt.Printf(", %s", ui.RenderWarn(fmt.Sprintf("%d failed", res.PushFailed)))
	}
	fmt.Println()
}

// parseSince accepts an RFC 3339 time, a date, or a natural-language
// expression such as "2 days ago".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("invalid --since %q: in the future", s)
	}
	return r.Time, nil
}

func init() {
	syncCmd.Flags().String("since", "", "download remote changes after this time instead of the last sync")
	syncCmd.Flags().String("policy", "", "conflict policy for this pass ("+policyNames()+")")
	rootCmd.AddCommand(syncCmd)
}

func policyNames() string {
	names := make([]string, 0, len(catalog.Policies))
	for _, p := range catalog.Policies {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
