package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/schema"
)

var (
	initInteractive bool
	initForce       bool
	initSchemas     bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Create, view and validate the Medallion configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		if initInteractive {
			promptConfig(bufio.NewReader(os.Stdin), cfg)
		}
		if initSchemas && cfg.Sources.SchemaDir == "" {
			cfg.Sources.SchemaDir = filepath.Join(cfg.Workspace, "schemas")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		fmt.Printf("Configuration written to %s\n", path)

		if initSchemas {
			dir := config.ExpandHome(cfg.Sources.SchemaDir)
			for _, s := range []*schema.Schema{schema.Clients(), schema.Achats()} {
				out := filepath.Join(dir, s.Entity+".yaml")
				if _, err := os.Stat(out); err == nil && !initForce {
					fmt.Printf("Keeping existing %s\n", out)
					continue
				}
				if err := s.WriteYAML(out); err != nil {
					return fmt.Errorf("writing %s schema: %w", s.Entity, err)
				}
				fmt.Printf("Schema written to %s\n", out)
			}
		}
		return nil
	},
}

func promptConfig(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("Medallion Configuration Setup")
	fmt.Println("=============================")
	fmt.Println()

	cfg.Workspace = prompt(reader, "Workspace directory", cfg.Workspace)
	cfg.Sources.Directory = prompt(reader, "Source CSV directory", cfg.Sources.Directory)

	fmt.Println()
	fmt.Println("Object Store")
	fmt.Println("------------")
	cfg.ObjectStore.Type = prompt(reader, "Type (s3/filesystem)", cfg.ObjectStore.Type)
	if cfg.ObjectStore.Type == "filesystem" {
		cfg.ObjectStore.Root = prompt(reader, "Root directory", "~/.medallion/objects")
	} else {
		cfg.ObjectStore.Endpoint = prompt(reader, "Endpoint", cfg.ObjectStore.Endpoint)
		cfg.ObjectStore.AccessKey = prompt(reader, "Access key (or vault:/aws-sm: reference)", "")
		cfg.ObjectStore.SecretKey = prompt(reader, "Secret key (or vault:/aws-sm: reference)", "")
	}

	fmt.Println()
	fmt.Println("Document Store")
	fmt.Println("--------------")
	cfg.DocumentStore.Type = prompt(reader, "Type (mongodb/memory)", cfg.DocumentStore.Type)
	if cfg.DocumentStore.Type == "mongodb" {
		cfg.DocumentStore.ConnectionString = prompt(reader, "Connection string", cfg.DocumentStore.ConnectionString)
		cfg.DocumentStore.Database = prompt(reader, "Database", cfg.DocumentStore.Database)
	}
}

func prompt(reader *bufio.Reader, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Current configuration:")
		fmt.Println()
		fmt.Printf("  Workspace:        %s\n", cfg.Workspace)
		fmt.Printf("  Sources:          %s (%s, %s)\n", cfg.Sources.Directory, cfg.Sources.Clients, cfg.Sources.Purchases)
		fmt.Println()
		fmt.Printf("  Object store:\n")
		fmt.Printf("    Type:           %s\n", cfg.ObjectStore.Type)
		if cfg.ObjectStore.Type == "filesystem" {
			fmt.Printf("    Root:           %s\n", cfg.ObjectStore.Root)
		} else {
			fmt.Printf("    Endpoint:       %s\n", cfg.ObjectStore.Endpoint)
			fmt.Printf("    Region:         %s\n", cfg.ObjectStore.Region)
			fmt.Printf("    Access key:     %s\n", maskSecret(cfg.ObjectStore.AccessKey))
			fmt.Printf("    Secret key:     %s\n", maskSecret(cfg.ObjectStore.SecretKey))
		}
		fmt.Printf("    Buckets:        %s, %s, %s, %s\n", cfg.Buckets.Sources, cfg.Buckets.Bronze, cfg.Buckets.Silver, cfg.Buckets.Gold)
		fmt.Println()
		fmt.Printf("  Document store:\n")
		fmt.Printf("    Type:           %s\n", cfg.DocumentStore.Type)
		fmt.Printf("    Connection:     %s\n", maskSecret(cfg.DocumentStore.ConnectionString))
		fmt.Printf("    Database:       %s\n", cfg.DocumentStore.Database)
		fmt.Println()
		fmt.Printf("  ML:\n")
		fmt.Printf("    Clusters:       %d (seed %d)\n", cfg.ML.Clusters, cfg.ML.Seed)
		fmt.Printf("    Churn window:   %d days\n", cfg.ML.ChurnDays)
		fmt.Printf("    CLV horizon:    %d months\n", cfg.ML.CLVHorizonMonths)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(configPath()); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func init() {
	configInitCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "prompt for each setting")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().BoolVar(&initSchemas, "write-schemas", false, "write the built-in source schemas into the schema directory for editing")
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
