package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/cache"
	"github.com/lessonkit/datacache/config"
	"github.com/lessonkit/datacache/logger"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

type app struct {
	cache *config.Cache
}

// flagOrEnv returns the flag value when set, then the environment, then def.
func flagOrEnv(cmd *cobra.Command, flagName, envName, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "datacache",
		Short:         "Inspect and manage a datacache store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Backend = config.Backend(flagOrEnv(cmd, "backend", "DATACACHE_BACKEND", string(cfg.Backend)))
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = logger.ParseLevel(level, cfg.LogLevel)
			}
			a.cache, err = config.Open(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.cache == nil {
				return nil
			}
			return a.cache.Close()
		},
	}
	root.PersistentFlags().String("env-file", ".env", "env file read before the environment")
	root.PersistentFlags().String("backend", "", "durable backend: memory, sqlite or redis")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		a.statsCmd(),
		a.getCmd(),
		a.setCmd(),
		a.deleteCmd(),
		a.invalidateCmd(),
		a.clearExpiredCmd(),
		a.clearCmd(),
	)
	return root
}

func (a *app) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tier sizes and known keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := a.cache.Store.Stats(cmd.Context())
			output, _ := cmd.Flags().GetString("output")
			return writeOutput(cmd.OutOrStdout(), output, stats, func(w io.Writer) {
				fmt.Fprintf(w, "memory entries:  %d\n", stats.MemoryEntries)
				fmt.Fprintf(w, "durable entries: %d\n", stats.DurableEntries)
				for _, key := range stats.Keys {
					fmt.Fprintf(w, "  %s\n", key)
				}
			})
		},
	}
	cmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func writeOutput(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "text", "":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return errors.Newf("unknown output format %q", format)
	}
}

func (a *app) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the cached JSON value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stale, _ := cmd.Flags().GetBool("stale")
			l, err := cache.Get[json.RawMessage](cmd.Context(), a.cache.Store, args[0], stale)
			if err != nil {
				return err
			}
			if l == nil {
				return errors.Newf("%s: not cached", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(l.Data))
			if l.Stale {
				fmt.Fprintf(cmd.ErrOrStderr(), "stale, written %s ago\n", l.Age.Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().Bool("stale", false, "return expired values instead of treating them as missing")
	return cmd
}

func parseTTL(s string) (time.Duration, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return 0, nil
	case "never", "none":
		return cache.NoExpiry, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid ttl %q", s)
	}
	if d <= 0 {
		return 0, errors.Newf("ttl must be positive, got %s", s)
	}
	return d, nil
}

func (a *app) setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Write a JSON value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return errors.Newf("value for %s is not valid JSON", args[0])
			}
			ttlFlag, _ := cmd.Flags().GetString("ttl")
			ttl, err := parseTTL(ttlFlag)
			if err != nil {
				return err
			}
			e := a.cache.Store.Set(cmd.Context(), args[0], json.RawMessage(args[1]), ttl)
			if e.TTL == cache.NoExpiry {
				fmt.Fprintf(cmd.OutOrStdout(), "%s set, never expires\n", e.Key)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s set, expires %s\n", e.Key, e.ExpiresAt().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("ttl", "", "time to live such as 90s, 10m or 2d; never for no expiry")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Delete keys and cancel their pending refreshes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range args {
				a.cache.Store.Delete(cmd.Context(), key)
			}
			return nil
		},
	}
}

func (a *app) invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate GROUP [DISCRIMINATOR]",
		Short: "Invalidate an entity family and the families derived from it",
		Long: "Invalidate an entity family and the families derived from it.\n\n" +
			"Groups: schemes, lessonPlans, dailyReports, users, classes, subjects.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.cache.Invalidations.Invalidate(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keys invalidated\n", n)
			return nil
		},
	}
}

func (a *app) clearExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-expired",
		Short: "Remove expired and unreadable entries from the durable tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.cache.Store.ClearExpired(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d expired entries removed\n", n)
			return nil
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry of the current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cache.Invalidations.InvalidateAll(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}
