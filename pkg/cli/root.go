package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit statuses, one per error class.
const (
	exitOK                  = 0
	exitError               = 1
	exitMissingLog          = 2
	exitCorruptLog          = 3
	exitSchema              = 4
	exitCommitConflict      = 5
	exitIOFailure           = 6
	exitUnsupportedProtocol = 7
)

// Execute runs the CLI and returns the process exit status.
// An interrupt cancels an append that has not yet issued its commit.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, newRootCmd(), os.Stdout, os.Stderr)
}

func run(ctx context.Context, rootCmd *cobra.Command, stdout, stderr io.Writer) int {
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	code := domain.ErrorCode(err)
	output, _ := rootCmd.PersistentFlags().GetString("output")
	if output == "json" {
		_ = printJSON(stdout, map[string]string{
			"error": err.Error(),
			"code":  code,
		})
	} else {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var missing *domain.MissingLogError
		if errors.As(err, &missing) {
			_, _ = fmt.Fprintln(stderr, "Hint: create the table with a Delta-capable engine first; this tool only appends.")
		}
	}
	return exitCodeFor(code)
}

func exitCodeFor(code string) int {
	switch code {
	case domain.CodeMissingLog:
		return exitMissingLog
	case domain.CodeCorruptLog:
		return exitCorruptLog
	case domain.CodeSchemaMismatch, domain.CodeSchemaConflict:
		return exitSchema
	case domain.CodeCommitConflict:
		return exitCommitConflict
	case domain.CodeIOFailure:
		return exitIOFailure
	case domain.CodeUnsupportedProtocol:
		return exitUnsupportedProtocol
	default:
		return exitError
	}
}

// appContext carries settings resolved once in PersistentPreRunE.
type appContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	var (
		tableURI    string
		output      string
		profileName string
		logLevel    string
		envFile     string
		app         appContext
	)

	rootCmd := &cobra.Command{
		Use:   "delta-append",
		Short: "Append rows to a Delta table",
		Long: "Appends batches of rows to an existing Delta table on local disk or object storage,\n" +
			"committing each batch atomically with optimistic concurrency.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}

			saved, err := readProfiles()
			if err != nil {
				return err
			}
			name := cmp.Or(profileName, saved.Current)
			p, ok := saved.Profiles[name]
			if !ok && cmd.Flags().Changed("profile") {
				return domain.ErrValidation("profile %q not found in %s", name, profilesPath())
			}

			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			// Apply precedence: flag > env > profile > default
			if cmd.Flags().Changed("table") {
				cfg.TableURI = tableURI
			} else if cfg.TableURI == "" {
				cfg.TableURI = p.TableURI
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			} else if os.Getenv("LOG_LEVEL") == "" && p.LogLevel != "" {
				cfg.LogLevel = p.LogLevel
			}
			if !cmd.Flags().Changed("output") {
				if v := os.Getenv("DELTA_APPEND_OUTPUT"); v != "" {
					output = v
				} else if p.Output != "" {
					output = p.Output
				} else {
					output = defaultOutputFormat(cmd.OutOrStdout())
				}
				_ = cmd.Root().PersistentFlags().Set("output", output)
			}
			if err := validateOutputFormat(output); err != nil {
				return err
			}

			app.cfg = cfg
			app.logger = newLogger(cfg, cmd.ErrOrStderr())
			for _, w := range cfg.Warnings {
				app.logger.Warn(w)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&tableURI, "table", "t", "", "Table location (overrides TABLE_URI)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Config profile to use")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Load variables from this file if it exists")

	rootCmd.AddCommand(newAppendCmd(&app))
	rootCmd.AddCommand(newStateCmd(&app))
	rootCmd.AddCommand(newHistoryCmd(&app))
	rootCmd.AddCommand(newConfigCmd(&app))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
