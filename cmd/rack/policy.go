package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/session"
	"github.com/mediarack/rack/internal/ui"
)

var policyCmd = &cobra.Command{
	Use:     "policy",
	GroupID: "setup",
	Short:   "Show or change the conflict policy",
	Long: `Show the conflict policy used when a local entry is newer than the remote
copy being downloaded:

  keep_remote          overwrite the local entry (default)
  ignore_and_continue  keep the local entry and carry on
  fail_on_conflict     stop the pass and wait for 'rack ctl reset'`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(loadConfig(), func(ctx context.Context, sess *session.Service) error {
			user, err := sess.CurrentUser(ctx)
			if err != nil {
				return err
			}
			fmt.Println(user.Policy())
			return nil
		})
		if err != nil {
			fatalf("%v", err)
		}
	},
}

var policySetCmd = &cobra.Command{
	Use:       "set <policy>",
	Short:     "Change the conflict policy",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(catalog.PolicyKeepRemote), string(catalog.PolicyIgnoreAndContinue), string(catalog.PolicyFailOnConflict)},
	Run: func(cmd *cobra.Command, args []string) {
		p, err := catalog.ParseConflictPolicy(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		err = withSession(loadConfig(), func(ctx context.Context, sess *session.Service) error {
			if err := sess.EnsureUser(ctx); err != nil {
				return err
			}
			return sess.SetPolicy(ctx, p)
		})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Conflict policy set to %s\n", ui.RenderPass("✓"), p)
	},
}

func init() {
	policyCmd.AddCommand(policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
