package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/localdb"
	"github.com/mediarack/rack/internal/rack/remote"
	"github.com/mediarack/rack/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "catalog",
	Short:   "Show one catalog entry",
	Long: `Show one catalog entry. A numeric id is looked up in the local catalog,
anything else is taken as a remote id and read from the remote catalog.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		asJSON, _ := cmd.Flags().GetBool("json")

		entry, where, err := lookupEntry(context.Background(), cfg, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entry); err != nil {
				fatalf("%v", err)
			}
			return
		}
		writeEntry(os.Stdout, where, entry)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <local-id>...",
	GroupID: "catalog",
	Short:   "Remove entries from the catalog",
	Long: `Mark local entries deleted. The next pass removes their remote copies and
then drops them from the local catalog.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var removed []*catalog.MediaEntry
		err := withLocal(loadConfig(), func(ctx context.Context, local *localdb.DB) error {
			var err error
			removed, err = removeEntries(ctx, local, args)
			return err
		})
		for _, e := range removed {
			fmt.Printf("%s Removed %s #%d\n", ui.RenderPass("✓"), e.Classification, e.LocalID)
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("   Remote copies are deleted on the next sync\n")
	},
}

// lookupEntry finds ref locally when it is a local id and remotely otherwise.
// It reports which catalog answered.
func lookupEntry(ctx context.Context, cfg *config.Config, ref string) (*catalog.MediaEntry, string, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		var entry *catalog.MediaEntry
		err := withLocal(cfg, func(ctx context.Context, local *localdb.DB) error {
			var err error
			entry, err = local.GetByLocalID(ctx, id)
			return err
		})
		return entry, "local", err
	}

	driver, dsn := remote.DriverFor(cfg.RemoteURL)
	store, err := remote.Open(driver, dsn, remote.WithTimeout(cfg.RemoteTimeout))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open remote catalog: %w", err)
	}
	defer store.Close()
	if err := store.Connect(ctx); err != nil {
		return nil, "", err
	}
	entry, err := store.Get(ctx, ref)
	return entry, "remote", err
}

// removeEntries marks each local id deleted, stopping at the first failure.
// It returns the entries marked so far.
func removeEntries(ctx context.Context, local *localdb.DB, args []string) ([]*catalog.MediaEntry, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid local id %q", a)
		}
		ids = append(ids, id)
	}

	var removed []*catalog.MediaEntry
	for _, id := range ids {
		entry, err := local.GetByLocalID(ctx, id)
		if err != nil {
			return removed, err
		}
		if entry.Status == catalog.StatusDeleted {
			continue
		}
		if err := local.MarkDeleted(ctx, id); err != nil {
			return removed, err
		}
		removed = append(removed, entry)
	}
	return removed, nil
}

func writeEntry(w io.Writer, where string, e *catalog.MediaEntry) {
	fmt.Fprintf(w, "%s (%s catalog)\n", e.Classification, where)
	if e.LocalID != 0 {
		fmt.Fprintf(w, "  local id:  %d\n", e.LocalID)
	}
	if e.RemoteID != "" {
		fmt.Fprintf(w, "  remote id: %s\n", e.RemoteID)
	}
	if e.Status != "" {
		fmt.Fprintf(w, "  status:    %s\n", e.Status)
	}
	fmt.Fprintf(w, "  edited:    %s\n", e.Timestamp.Local().Format(time.DateTime))
	if e.Watched {
		fmt.Fprintf(w, "  watched:   yes\n")
	}
	if e.Grade > 0 {
		fmt.Fprintf(w, "  grade:     %d/10\n", e.Grade)
	}
	if e.Comment != "" {
		fmt.Fprintf(w, "  comment:   %s\n", e.Comment)
	}
}

func init() {
	showCmd.Flags().Bool("json", false, "print the entry as JSON")
	rootCmd.AddCommand(showCmd, rmCmd)
}
