package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/storyline/internal/api"
	"github.com/pders01/storyline/internal/app"
	"github.com/pders01/storyline/internal/debuglog"
	"github.com/pders01/storyline/internal/favorites"
	"github.com/pders01/storyline/internal/notify"
	"github.com/pders01/storyline/internal/server"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			res, err := ctl.Online(ctx)
			if err != nil {
				return err
			}
			printSyncResult(cmd.OutOrStdout(), res)
			return nil
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List posts waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			entries, err := ctl.Outbox()
			if err != nil {
				return err
			}
			printOutbox(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Manage the cached app shell",
}

var shellInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Fetch the app shell manifest into the versioned cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			report, err := ctl.InstallShell(ctx)
			if err != nil {
				return err
			}
			printShellReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

var shellActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Delete caches left by other versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			deleted, err := ctl.ActivateShell(ctx)
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stale caches.")
				return nil
			}
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", warnStyle.Render("deleted"), name)
			}
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local proxy and control endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !quiet {
			showBanner()
		}
		warm, _ := cmd.Flags().GetBool("warm")
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Server.Listen = listen
		}

		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if warm {
				if report, err := ctl.InstallShell(ctx); err != nil {
					debuglog.Warnf("serve: app shell install: %v", err)
				} else if len(report.Failed) > 0 {
					debuglog.Warnf("serve: %d app shell assets failed to cache", len(report.Failed))
				}
				if _, err := ctl.ActivateShell(ctx); err != nil {
					debuglog.Warnf("serve: app shell activate: %v", err)
				}
			}

			srv, err := server.New(ctl, cfg, server.Options{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", titleStyle.Render(cfg.Server.Listen))
			return srv.Serve(ctx)
		})
	},
}

var favoritesCmd = &cobra.Command{
	Use:     "favorites",
	Aliases: []string{"saved"},
	Short:   "Saved stories: favorites and posts not yet sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		sortBy, _ := cmd.Flags().GetString("sort")
		order, err := favorites.ParseOrder(sortBy)
		if err != nil {
			return err
		}
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			items, err := ctl.Favorites(favorites.Query{Search: search, Order: order})
			if err != nil {
				return err
			}
			printFavorites(cmd.OutOrStdout(), items)
			return nil
		})
	},
}

var favoritesAddCmd = &cobra.Command{
	Use:   "add <story-id>",
	Short: "Save a story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if err := ctl.AddFavorite(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", args[0])
			return nil
		})
	},
}

var favoritesRemoveCmd = &cobra.Command{
	Use:   "remove <story-id>",
	Short: "Remove a saved story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			items, err := ctl.Favorites(favorites.Query{})
			if err != nil {
				return err
			}
			for _, it := range items {
				if it.ID != args[0] {
					continue
				}
				if err := ctl.RemoveFavorite(it); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", it.ID)
				return nil
			}
			return fmt.Errorf("no saved story with id %s", args[0])
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored stories and favorites",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			results, err := ctl.Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", titleStyle.Render(r.Doc.Name), dimStyle.Render(r.Doc.ID), dimStyle.Render(string(r.Doc.Kind)))
			}
			return nil
		})
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Push notification helpers",
}

var notifyParseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Decode a push payload from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		n := notify.Parse(payload)
		out := struct {
			Notification notify.Notification `json:"notification"`
			Target       string              `json:"target"`
		}{n, notify.Target(n)}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var notifySubscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Register a push subscription with the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub api.Subscription
		sub.Endpoint, _ = cmd.Flags().GetString("endpoint")
		sub.Keys.P256dh, _ = cmd.Flags().GetString("p256dh")
		sub.Keys.Auth, _ = cmd.Flags().GetString("auth")
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if err := ctl.Subscribe(ctx, sub); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Subscribed.")
			return nil
		})
	},
}

var notifyUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Remove a push subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		return withController(cmd, func(ctx context.Context, ctl *app.Controller) error {
			if err := ctl.Unsubscribe(ctx, endpoint); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Unsubscribed.")
			return nil
		})
	},
}

func init() {
	shellCmd.AddCommand(shellInstallCmd, shellActivateCmd)

	serveCmd.Flags().Bool("warm", true, "Install and activate the app shell cache on start")
	serveCmd.Flags().String("listen", "", "Address to listen on (overrides config)")

	favoritesCmd.Flags().StringP("search", "s", "", "Filter by name or description")
	favoritesCmd.Flags().String("sort", "newest", "newest, oldest, title-asc or title-desc")
	favoritesCmd.AddCommand(favoritesAddCmd, favoritesRemoveCmd)

	searchCmd.Flags().Int("limit", 20, "Maximum results")

	notifySubscribeCmd.Flags().String("endpoint", "", "Push service endpoint")
	notifySubscribeCmd.Flags().String("p256dh", "", "Client public key")
	notifySubscribeCmd.Flags().String("auth", "", "Client auth secret")
	_ = notifySubscribeCmd.MarkFlagRequired("endpoint")
	notifyUnsubscribeCmd.Flags().String("endpoint", "", "Push service endpoint")
	_ = notifyUnsubscribeCmd.MarkFlagRequired("endpoint")
	notifyCmd.AddCommand(notifyParseCmd, notifySubscribeCmd, notifyUnsubscribeCmd)

	rootCmd.AddCommand(syncCmd, outboxCmd, shellCmd, serveCmd, favoritesCmd, searchCmd, notifyCmd)
}
