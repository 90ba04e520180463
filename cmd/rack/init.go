package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/session"
	"github.com/mediarack/rack/internal/ui"
)

// initAnswers is what rack init collects, from flags or the form.
type initAnswers struct {
	RemoteURL string
	UserName  string
	Policy    string
	WatchDirs string // comma separated
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Configure rack for this machine",
	Long: `Write the rack configuration and prepare the local catalog.

On a terminal, missing values are asked for interactively. Otherwise pass
them as flags:

  rack init --remote libsql://catalog.example.com --user ana
  rack init --remote /mnt/shared/catalog.db --user ana --watch ~/Movies,~/Series`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", path)
		}

		cfg := loadConfig()
		answers := initAnswers{RemoteURL: cfg.RemoteURL, UserName: cfg.UserName, Policy: string(catalog.DefaultPolicy)}
		if v, _ := cmd.Flags().GetString("remote"); v != "" {
			answers.RemoteURL = v
		}
		if v, _ := cmd.Flags().GetString("user"); v != "" {
			answers.UserName = v
		}
		if v, _ := cmd.Flags().GetString("policy"); v != "" {
			answers.Policy = v
		}
		if v, _ := cmd.Flags().GetStringSlice("watch"); len(v) > 0 {
			answers.WatchDirs = strings.Join(v, ",")
		}

		if answers.RemoteURL == "" || answers.UserName == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("--remote and --user are required when not running on a terminal")
			}
			if err := runInitForm(&answers); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return
				}
				fatalf("%v", err)
			}
		}

		policy, err := catalog.ParseConflictPolicy(answers.Policy)
		if err != nil {
			fatalf("%v", err)
		}
		cfg.RemoteURL = strings.TrimSpace(answers.RemoteURL)
		cfg.UserName = strings.TrimSpace(answers.UserName)
		if err := cfg.Validate(); err != nil {
			fatalf("invalid configuration:\n%v", err)
		}

		if err := config.Save(cfg, path); err != nil {
			fatalf("%v", err)
		}

		dirs := splitDirs(answers.WatchDirs)
		var machine string
		err = withSession(cfg, func(ctx context.Context, sess *session.Service) error {
			if err := sess.EnsureUser(ctx); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			if err := sess.SetPolicy(ctx, policy); err != nil {
				return err
			}
			machine = sess.Machine()
			return sess.SetWatchDirs(ctx, dirs)
		})
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s rack configured\n", ui.RenderPass("✓"))
		fmt.Printf("   Config:  %s\n", path)
		fmt.Printf("   Local:   %s\n", cfg.LocalPath)
		fmt.Printf("   Remote:  %s\n", cfg.RemoteURL)
		fmt.Printf("   User:    %s on %s\n", cfg.UserName, machine)
		fmt.Printf("   Policy:  %s\n", policy)
		for _, d := range dirs {
			fmt.Printf("   Watch:   %s\n", d)
		}
		fmt.Printf("\nRun 'rack sync' for a first pass or 'rack daemon' to keep syncing\n")
	},
}

func runInitForm(a *initAnswers) error {
	options := make([]huh.Option[string], 0, len(catalog.Policies))
	for _, p := range catalog.Policies {
		options = append(options, huh.NewOption(policyLabel(p), string(p)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Remote catalog").
				Description("libsql://, https:// or a path to a shared catalog file").
				Value(&a.RemoteURL).
				Validate(required("remote catalog")),
			huh.NewInput().
				Title("User name").
				Value(&a.UserName).
				Validate(required("user name")),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("When a local entry is newer than the remote copy").
				Options(options...).
				Value(&a.Policy),
			huh.NewInput().
				Title("Media directories to watch").
				Description("Comma separated; leave empty to skip").
				Value(&a.WatchDirs),
		),
	)
	return form.Run()
}

func policyLabel(p catalog.ConflictPolicy) string {
	switch p {
	case catalog.PolicyKeepRemote:
		return "Take the remote copy (keep_remote)"
	case catalog.PolicyIgnoreAndContinue:
		return "Keep mine and continue (ignore_and_continue)"
	case catalog.PolicyFailOnConflict:
		return "Stop the sync (fail_on_conflict)"
	}
	return string(p)
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// splitDirs parses a comma separated directory list, expanding ~ and
// dropping blanks.
func splitDirs(s string) []string {
	var dirs []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				d = filepath.Join(home, d[1:])
			}
		}
		dirs = append(dirs, filepath.Clean(d))
	}
	return dirs
}

func init() {
	initCmd.Flags().String("remote", "", "remote catalog URL or path")
	initCmd.Flags().String("user", "", "catalog user name")
	initCmd.Flags().String("policy", "", "conflict policy ("+policyNames()+")")
	initCmd.Flags().StringSlice("watch", nil, "media directories to watch")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
