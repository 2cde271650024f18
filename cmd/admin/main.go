package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"modbridge/backend/internal/api/handler"
	"modbridge/backend/internal/bootstrap"
	"modbridge/backend/internal/config"
	"modbridge/backend/internal/logger"
	"modbridge/backend/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// runtime is what every store-backed command needs.
type runtime struct {
	cfg    *config.Configuration
	policy *config.Policy
	log    *logrus.Logger
	store  storage.Storage
	close  func()
}

func open(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	store, closeFn, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, policy: policy, log: log, store: store, close: closeFn}, nil
}

// components wires the registry, and the role synchronizer when the guild
// and role sync are configured.
func (rt *runtime) components() (*bootstrap.Components, error) {
	chat, err := bootstrap.NewChat(rt.cfg)
	if err != nil {
		return nil, err
	}
	instance := bootstrap.NewInstance(rt.cfg, rt.log)
	p := *rt.policy
	p.Features.Reports = false
	return bootstrap.Build(rt.cfg, &p, rt.store, instance, chat, nil, rt.log), nil
}

func withRuntime(fn func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(ctx, rt, args)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(_ context.Context, _ *runtime, _ []string) error {
			fmt.Println("Schema is up to date.")
			return nil
		}),
	}
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <chat-user-id> <platform-user-id>",
		Short: "Record a verified identity link",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			c, err := rt.components()
			if err != nil {
				return err
			}
			link, err := c.Registry.Link(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Linked %s to %s (%s).\n", link.ChatUserID, link.PlatformUserID, link.ID)
			return nil
		}),
	}
}

func unlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <chat-user-id>",
		Short: "Remove an identity link and revoke roles granted from the guild",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			c, err := rt.components()
			if err != nil {
				return err
			}
			if err := c.Registry.Unlink(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s is not linked.\n", args[0])
			return nil
		}),
	}
}

func cursorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "List report stream cursors",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			cursors, err := rt.store.ListCursors(ctx)
			if err != nil {
				return err
			}
			for _, c := range cursors {
				fmt.Printf("%-16s %s (%s)\n", c.Stream, c.LastSeenID, c.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		}),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <stream> <report-id>",
		Short: "Move a stream cursor, backwards if needed",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			if err := rt.store.ResetCursor(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Cursor of %s reset to %s.\n", args[0], args[1])
			return nil
		}),
	})
	return cmd
}

func accountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account <platform-user-id>",
		Short: "Show the warning count and status of an account",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			user, err := rt.store.GetPlatformUser(ctx, args[0])
			if err != nil {
				return err
			}
			if user == nil {
				fmt.Printf("%s has no moderation history.\n", args[0])
				return nil
			}
			fmt.Printf("%s: %s, %d warnings (updated %s)\n", user.UserID, user.AccountStatus, user.WarningCount, user.UpdatedAt.Format(time.RFC3339))
			return nil
		}),
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Run one role sync sweep now",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			c, err := rt.components()
			if err != nil {
				return err
			}
			if c.Synchronizer == nil {
				return errors.New("role sync is not enabled")
			}
			res, err := c.Synchronizer.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d links: %d changes, %d failed.\n", res.Links, res.Changes, res.Failures)
			return nil
		}),
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := handler.IssueAdminToken([]byte(cfg.AdminJWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "admin",
		Short:        "Operator tools for the moderation bridge",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(migrateCmd(), linkCmd(), unlinkCmd(), cursorsCmd(), accountCmd(), resyncCmd(), tokenCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
