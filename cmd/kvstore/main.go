package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentuity/go-kvstore/cache"
	"github.com/agentuity/go-kvstore/config"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/agentuity/go-kvstore/session"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kvstore",
		Short:        "Inspect and manage cache and session stores",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("env-file", "", "path to a KEY=value file applied over the environment")
	flags.String("handler", "", "cache handler ("+strings.Join(cache.Handlers, ", ")+")")
	flags.String("prefix", "", "cache key prefix")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		getCmd(), setCmd(), deleteCmd(),
		counterCmd("incr", "Increment a counter", 1),
		counterCmd("decr", "Decrement a counter", -1),
		cleanCmd(), metaCmd(), infoCmd(),
		sessionCmd(),
	)
	return root
}

// loadConfig resolves the configuration file, then the env file or process
// environment, then the command line flags.
func loadConfig(cmd *cobra.Command) (config.Config, logger.Logger, error) {
	filename, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(filename)
	if err != nil {
		return cfg, nil, err
	}
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		lines, err := config.ParseEnvFile(envFile)
		if err != nil {
			return cfg, nil, err
		}
		if err := cfg.ApplyEnv(config.EnvFileLookup(lines)); err != nil {
			return cfg, nil, err
		}
	}
	if h, _ := cmd.Flags().GetString("handler"); h != "" {
		cfg.Cache.Handler = h
	}
	if p := config.FlagOrEnv(cmd, "prefix", "KVSTORE_CACHE_PREFIX", cfg.Cache.Prefix); p != "" {
		cfg.Cache.Prefix = p
	}
	return cfg, config.NewLogger(cmd, cfg.Log), nil
}

// withStore runs fn against the configured cache handler. Unlike a service,
// the CLI never falls back to another handler.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s cache.Store) error) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := cache.Open(ctx, cfg.Cache.Handler, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue reads a JSON literal, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	if f, ok := v.(float64); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return f
	}
	return v
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				found, val, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("%s: not found", args[0])
				}
				return printJSON(cmd, val)
			})
		},
	}
}

func setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; JSON literals are stored as their decoded type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("ttl")
			ttl, err := config.ParseDuration(raw)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				return s.Save(ctx, args[0], parseValue(args[1]), ttl.Std())
			})
		},
	}
	cmd.Flags().String("ttl", "60s", "time to live; 0 never expires")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				status, err := s.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func counterCmd(use, short string, sign int64) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetInt64("by")
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				var (
					n   int64
					err error
				)
				if sign > 0 {
					n, err = s.Increment(ctx, args[0], by)
				} else {
					n, err = s.Decrement(ctx, args[0], by)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().Int64("by", 1, "offset")
	return cmd
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every key under the configured prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				return s.Clean(ctx)
			})
		},
	}
}

func metaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta <key>",
		Short: "Print expiry, modification time and value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				found, md, err := s.GetMetaData(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("%s: not found", args[0])
				}
				out := map[string]any{"mtime": md.MTime.Format(time.RFC3339), "data": md.Data, "expire": nil}
				if !md.Expire.IsZero() {
					out["expire"] = md.Expire.Format(time.RFC3339)
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print backend statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s cache.Store) error {
				info, err := s.Info(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, info)
			})
		},
	}
}

func withSessions(cmd *cobra.Command, fn func(ctx context.Context, h session.Handler) error) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if d, _ := cmd.Flags().GetString("driver"); d != "" {
		cfg.Session.Driver = d
	}
	ctx := cmd.Context()
	h, closer, err := session.NewFromConfig(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closer()
	if err := h.Open(ctx, cfg.Session.SavePath, cfg.Session.CookieName); err != nil {
		return err
	}
	defer h.Close(ctx)
	return fn(ctx, h)
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage stored sessions",
	}
	cmd.PersistentFlags().String("driver", "", "session driver (cache, redis, file, database)")

	gc := &cobra.Command{
		Use:   "gc",
		Short: "Remove expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("max-lifetime")
			maxLifetime, err := config.ParseDuration(raw)
			if err != nil {
				return err
			}
			return withSessions(cmd, func(ctx context.Context, h session.Handler) error {
				n, err := h.GC(ctx, maxLifetime.Std())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	gc.Flags().String("max-lifetime", "", "idle time after which a session is removed; defaults to the session expiration")

	newID := &cobra.Command{
		Use:   "new",
		Short: "Print a new session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			id, err := session.NewID(cfg.Session.IDLength)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	read := &cobra.Command{
		Use:   "read <id>",
		Short: "Print a session payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd, func(ctx context.Context, h session.Handler) error {
				data, err := h.Read(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			})
		},
	}

	write := &cobra.Command{
		Use:   "write <id> <data>",
		Short: "Replace a session payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd, func(ctx context.Context, h session.Handler) error {
				if _, err := h.Read(ctx, args[0]); err != nil {
					return err
				}
				return h.Write(ctx, args[0], []byte(args[1]))
			})
		},
	}

	destroy := &cobra.Command{
		Use:   "destroy <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd, func(ctx context.Context, h session.Handler) error {
				return h.Destroy(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(gc, newID, read, write, destroy)
	return cmd
}
