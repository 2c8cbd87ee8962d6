package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

func newConfigCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show settings and manage CLI configuration profiles",
	}

	cmd.AddCommand(newConfigShowCmd(app))
	cmd.AddCommand(newConfigSetProfileCmd())
	cmd.AddCommand(newConfigUseProfileCmd())

	return cmd
}

// effectiveConfig is the resolved configuration as displayed by config show.
type effectiveConfig struct {
	TableURI           string             `json:"table_uri" yaml:"table-uri"`
	S3KeyID            string             `json:"s3_key_id,omitempty" yaml:"s3-key-id,omitempty"`
	S3Secret           string             `json:"s3_secret,omitempty" yaml:"s3-secret,omitempty"`
	S3Endpoint         string             `json:"s3_endpoint,omitempty" yaml:"s3-endpoint,omitempty"`
	S3Region           string             `json:"s3_region,omitempty" yaml:"s3-region,omitempty"`
	S3URLStyle         string             `json:"s3_url_style" yaml:"s3-url-style"`
	AzureAccountName   string             `json:"azure_account_name,omitempty" yaml:"azure-account-name,omitempty"`
	AzureAccountKey    string             `json:"azure_account_key,omitempty" yaml:"azure-account-key,omitempty"`
	GCSKeyFilePath     string             `json:"gcs_key_file_path,omitempty" yaml:"gcs-key-file-path,omitempty"`
	LogLevel           string             `json:"log_level" yaml:"log-level"`
	Env                string             `json:"env,omitempty" yaml:"env,omitempty"`
	CommitMaxRetries   int                `json:"commit_max_retries" yaml:"commit-max-retries"`
	CommitRetryBackoff string             `json:"commit_retry_backoff" yaml:"commit-retry-backoff"`
	MaxRowsPerFile     int                `json:"max_rows_per_file" yaml:"max-rows-per-file"`
	WriteParallelism   int                `json:"write_parallelism" yaml:"write-parallelism"`
	CheckpointInterval int                `json:"checkpoint_interval" yaml:"checkpoint-interval"`
	EngineInfo         string             `json:"engine_info" yaml:"engine-info"`
	ConfigPath         string             `json:"config_path" yaml:"config-path"`
	CurrentProfile     string             `json:"current_profile,omitempty" yaml:"current-profile,omitempty"`
	Profiles           map[string]profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

func newConfigShowCmd(app *appContext) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff := buildEffectiveConfig(app.cfg, reveal)
			if saved, err := readProfiles(); err == nil {
				eff.CurrentProfile = saved.Current
				eff.Profiles = saved.Profiles
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), eff)
			}
			data, err := yaml.Marshal(eff)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show sensitive values unmasked")

	return cmd
}

func buildEffectiveConfig(cfg *config.Config, reveal bool) effectiveConfig {
	secret := maskSecret
	if reveal {
		secret = func(s string) string { return s }
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return effectiveConfig{
		TableURI:           cfg.TableURI,
		S3KeyID:            secret(deref(cfg.S3KeyID)),
		S3Secret:           secret(deref(cfg.S3Secret)),
		S3Endpoint:         deref(cfg.S3Endpoint),
		S3Region:           deref(cfg.S3Region),
		S3URLStyle:         cfg.S3URLStyle,
		AzureAccountName:   cfg.AzureAccountName,
		AzureAccountKey:    secret(cfg.AzureAccountKey),
		GCSKeyFilePath:     cfg.GCSKeyFilePath,
		LogLevel:           cfg.LogLevel,
		Env:                cfg.Env,
		CommitMaxRetries:   cfg.CommitMaxRetries,
		CommitRetryBackoff: cfg.CommitRetryBackoff.String(),
		MaxRowsPerFile:     cfg.MaxRowsPerFile,
		WriteParallelism:   cfg.WriteParallelism,
		CheckpointInterval: cfg.CheckpointInterval,
		EngineInfo:         cfg.EngineInfo,
		ConfigPath:         profilesPath(),
	}
}

// maskSecret masks a sensitive string, showing first 4 and last 4 chars.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 10 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func newConfigSetProfileCmd() *cobra.Command {
	var (
		name     string
		tableURI string
		output   string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "set-profile",
		Short: "Create or update a configuration profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if cmd.Flags().Changed("default-output") {
				if err := validateOutputFormat(output); err != nil {
					return err
				}
			}

			saved, err := readProfiles()
			if err != nil {
				return err
			}

			p := saved.Profiles[name]
			if cmd.Flags().Changed("table-uri") {
				p.TableURI = tableURI
			}
			if cmd.Flags().Changed("default-output") {
				p.Output = output
			}
			if cmd.Flags().Changed("default-log-level") {
				p.LogLevel = logLevel
			}
			saved.Profiles[name] = p

			if err := saved.write(); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"status":  "ok",
					"profile": name,
					"path":    profilesPath(),
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Profile %s saved to %s\n", strconv.Quote(name), profilesPath())
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Profile name (required)")
	cmd.Flags().StringVar(&tableURI, "table-uri", "", "Table location")
	cmd.Flags().StringVar(&output, "default-output", "", "Default output format")
	cmd.Flags().StringVar(&logLevel, "default-log-level", "", "Default log level")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newConfigUseProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Set the active configuration profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := readProfiles()
			if err != nil {
				return err
			}
			name := args[0]
			if _, ok := saved.Profiles[name]; !ok {
				return domain.ErrValidation("profile %q not found in %s", name, profilesPath())
			}
			saved.Current = name
			if err := saved.write(); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"status":         "ok",
					"active_profile": name,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Active profile set to %q\n", name)
			return nil
		},
	}
}
