package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/report"
	"github.com/medallion/medallion/internal/schema"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abcd", "****"},
		{"secret-key", "se******ey"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInferEntity(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"data/clients.csv", "clients"},
		{"/tmp/achats_2024.csv", "achats"},
		{"Purchases.csv", "achats"},
		{"other.csv", "clients"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := inferEntity(tt.path); got != tt.want {
				t.Errorf("inferEntity(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRenderSummary(t *testing.T) {
	rep := report.NewRunReport("2024-06-30", "attempt-1", "2024-06-30", time.Date(2024, 6, 30, 2, 0, 0, 0, time.UTC))
	rep.AddStage(report.StageSummary{Name: "bronze", Status: report.StatusSuccess, Counts: map[string]int64{"clients_rows": 40}}, nil)
	rep.AddStage(report.StageSummary{Name: "ml", Status: report.StatusFailed, Error: "churn: single class"}, nil)
	rep.Models = []model.ModelMetrics{{Model: "clv", Algorithm: "historical_growth", Samples: 3, Note: "insufficient_data_for_training"}}
	rep.Finish(time.Date(2024, 6, 30, 2, 1, 0, 0, time.UTC), "ml")

	out := renderSummary(rep)
	for _, want := range []string{"Run 2024-06-30", "degraded", "clients_rows=40", "churn: single class", "insufficient_data_for_training"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medallion.yaml")

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ML.Clusters != 4 {
		t.Errorf("clusters = %d, want 4", cfg.ML.Clusters)
	}

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error overwriting without --force")
	}
}

func TestConfigInitWritesSchemas(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "medallion.yaml")

	cfgFile = path
	t.Cleanup(func() {
		cfgFile = ""
		initSchemas = false
	})

	rootCmd.SetArgs([]string{"config", "init", "--config", path, "--write-schemas"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(home, ".medallion", "schemas")
	if cfg.Sources.SchemaDir != want {
		t.Fatalf("schema dir = %q, want %q", cfg.Sources.SchemaDir, want)
	}
	for _, entity := range []string{schema.EntityClients, schema.EntityAchats} {
		s, err := schema.Resolve(cfg.Sources.SchemaDir, entity)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", entity, err)
		}
		builtin, _ := schema.Builtin(entity)
		if s.Summary() != builtin.Summary() {
			t.Errorf("%s schema written differs from the built-in one", entity)
		}
	}
}
