// Command fastpull fetches distfiles into a verified content-addressed
// store and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/dusted-go/logging/prettylog"
	"github.com/mattn/go-isatty"
	slogformatter "github.com/samber/slog-formatter"
	"github.com/spf13/cobra"

	"github.com/meigma/fastpull"
	"github.com/meigma/fastpull/config"
)

const (
	verboseFlag = "verbose"
	configFlag  = "config"
	scopeFlag   = "scope"
)

func newLogger(w *os.File, verbose bool) *slog.Logger {
	logLvl := func() slog.Level {
		if verbose {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}()

	return slog.New(
		slogformatter.NewFormatterHandler(
			slogformatter.HTTPRequestFormatter(false),
			slogformatter.HTTPResponseFormatter(false),
			slogformatter.FormatByType(func(s []string) slog.Value {
				return slog.StringValue(strings.Join(s, ","))
			}),
		)(
			prettylog.New(&slog.HandlerOptions{Level: logLvl},
				prettylog.WithDestinationWriter(w),
				func() prettylog.Option {
					if isatty.IsTerminal(w.Fd()) {
						return prettylog.WithColor()
					}
					return func(_ *prettylog.Handler) {}
				}(),
			),
		),
	)
}

func main() {
	os.Exit(mainFn())
}

func mainFn() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	rootCmd := newRootCmd(ctx, os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		var cmdErr *commandError
		if errors.As(err, &cmdErr) {
			slog.Error("Command failed", slog.String("error", cmdErr.Inner.Error()))
		} else {
			slog.Error(err.Error())
			_ = rootCmd.Usage()
		}
		return 1
	}
	return 0
}

func newRootCmd(ctx context.Context, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fastpull",
		Short:         "fastpull fetches distfiles into a verified content-addressed store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbose, err := cmd.Flags().GetBool(verboseFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to get verbosity flag: %v\n", err)
				os.Exit(1)
			}
			slog.SetDefault(newLogger(os.Stderr, verbose))
		},
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().BoolP(verboseFlag, "v", false, "verbose output")
	cmd.PersistentFlags().StringP(configFlag, "c", "", "config file (default $"+config.EnvVar+")")

	cmd.AddCommand(
		newServeCmd(ctx),
		newFetchCmd(ctx),
		newInsertCmd(ctx),
		newAuditCmd(ctx),
	)
	return cmd
}

// commandError marks failures of a command that ran, as opposed to usage
// errors.
type commandError struct {
	Inner error
}

func (e *commandError) Error() string {
	return fmt.Sprintf("command failed: %v", e.Inner)
}

func (e *commandError) Unwrap() error {
	return e.Inner
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	return &commandError{Inner: err}
}

// loadConfig reads --config, falling back to $FASTPULL_CONFIG and then the
// defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return nil, fmt.Errorf("get config flag: %w", err)
	}
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openClient loads the configuration and builds a client for the command.
func openClient(ctx context.Context, cmd *cobra.Command) (*fastpull.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return fastpull.New(ctx, cfg, fastpull.WithLogger(slog.Default()))
}

// openScope builds a client and resolves the --scope flag.
func openScope(ctx context.Context, cmd *cobra.Command) (*fastpull.Client, *fastpull.Scope, error) {
	c, err := openClient(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	name, err := cmd.Flags().GetString(scopeFlag)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("get scope flag: %w", err)
	}
	s, err := c.Scope(name)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, s, nil
}

func addScopeFlag(cmd *cobra.Command) {
	cmd.Flags().StringP(scopeFlag, "s", "", "scope to use (default from config)")
}
