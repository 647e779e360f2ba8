package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medallion/medallion/internal/schema"
)

var (
	validateEntity string
	validateLimit  int
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a source CSV against its schema",
	Long: `Run structural and business validation on a raw extract without writing
anything. The entity is inferred from the file name unless --entity is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		entity := validateEntity
		if entity == "" {
			entity = inferEntity(args[0])
		}
		s, err := schema.Resolve(cfg.Sources.SchemaDir, entity)
		if err != nil {
			return err
		}

		fmt.Print(dimStyle.Render(s.Summary()))
		fmt.Println()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		table, err := schema.ParseCSV(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		if missing := table.MissingColumns(s); len(missing) > 0 {
			return fmt.Errorf("%s is missing column(s): %s", args[0], strings.Join(missing, ", "))
		}

		valid, violations := schema.NewValidator(time.Now().UTC()).Validate(table, s, schema.LevelBusiness)
		rejected := schema.RejectedRows(violations)
		fmt.Printf("%s: %d row(s), %d valid, %d rejected\n", entity, len(table.Rows), len(valid), rejected)
		for i, v := range violations {
			if validateLimit > 0 && i == validateLimit {
				fmt.Printf("  ... %d more\n", len(violations)-i)
				break
			}
			fmt.Printf("  %s %s\n", errStyle.Render("✗"), v.Error())
		}
		if len(violations) > 0 {
			return fmt.Errorf("%d violation(s) in %s", len(violations), args[0])
		}
		fmt.Println(okStyle.Render("No violations."))
		return nil
	},
}

// inferEntity maps clients*.csv and achats*.csv to their schemas.
func inferEntity(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, schema.EntityAchats) || strings.HasPrefix(base, "purchases") {
		return schema.EntityAchats
	}
	return schema.EntityClients
}

func init() {
	validateCmd.Flags().StringVar(&validateEntity, "entity", "", "schema to apply (clients or achats)")
	validateCmd.Flags().IntVar(&validateLimit, "limit", 50, "maximum violations to print (0 for all)")
	rootCmd.AddCommand(validateCmd)
}
