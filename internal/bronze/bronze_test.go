package bronze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/schema"
	"github.com/medallion/medallion/internal/storage"
)

const clientsCSV = `id_client,nom,email,date_inscription,pays
1,Alice,alice@example.com,2023-01-15,France
2,Bob,bob@example.com,2023-02-01
`

const achatsCSV = `id_achat,id_client,date_achat,montant,produit
1,1,2024-05-01,100.0,Laptop
`

func writeSources(t *testing.T, files map[string]string) config.SourcesConfig {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return config.SourcesConfig{Directory: dir, Clients: "clients.csv", Purchases: "achats.csv"}
}

func newIngestor(store storage.ObjectStore) *Ingestor {
	return &Ingestor{
		Store:     store,
		Buckets:   config.Default().Buckets,
		Validator: schema.NewValidator(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestIngestCopiesVerbatim(t *testing.T) {
	cfg := writeSources(t, map[string]string{"clients.csv": clientsCSV, "achats.csv": achatsCSV})
	store := storage.NewMemoryObjectStore()

	out, err := newIngestor(store).Ingest(context.Background(), "2024-06-01", Sources(cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := store.Get(context.Background(), "bronze", "2024-06-01/clients.csv")
	if err != nil {
		t.Fatalf("bronze copy missing: %v", err)
	}
	if string(data) != clientsCSV {
		t.Error("bronze copy is not byte-identical to the source")
	}
	if _, err := store.Get(context.Background(), "sources", "achats.csv"); err != nil {
		t.Errorf("sources copy missing: %v", err)
	}

	if len(out.Value.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(out.Value.Sources))
	}
	clients := out.Value.Sources[0]
	if clients.Rows != 2 || clients.Malformed != 1 {
		t.Errorf("expected 2 rows with 1 malformed, got %+v", clients)
	}
	if len(out.Issues) != 0 {
		t.Errorf("bronze counts malformed rows without reporting them, got issues %v", out.Issues)
	}
}

func TestIngestMissingSource(t *testing.T) {
	cfg := writeSources(t, map[string]string{"clients.csv": clientsCSV})
	store := storage.NewMemoryObjectStore()

	_, err := newIngestor(store).Ingest(context.Background(), "r1", Sources(cfg))
	var ie *IngestionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IngestionError, got %v", err)
	}
	if ie.Source != "achats.csv" {
		t.Errorf("expected achats.csv to be reported, got %s", ie.Source)
	}
	if len(store.Keys()) != 0 {
		t.Errorf("nothing should be written when a source is missing, got %v", store.Keys())
	}
}

func TestIngestEmptyHeader(t *testing.T) {
	cfg := writeSources(t, map[string]string{"clients.csv": "", "achats.csv": achatsCSV})
	_, err := newIngestor(storage.NewMemoryObjectStore()).Ingest(context.Background(), "r1", Sources(cfg))
	var ie *IngestionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IngestionError, got %v", err)
	}
}

func TestIngestMissingColumn(t *testing.T) {
	cfg := writeSources(t, map[string]string{
		"clients.csv": "id_client,nom,email\n1,A,a@b.io\n",
		"achats.csv":  achatsCSV,
	})
	_, err := newIngestor(storage.NewMemoryObjectStore()).Ingest(context.Background(), "r1", Sources(cfg))
	var ie *IngestionError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IngestionError, got %v", err)
	}
}

func TestIngestStorageUnavailable(t *testing.T) {
	cfg := writeSources(t, map[string]string{"clients.csv": clientsCSV, "achats.csv": achatsCSV})
	mem := storage.NewMemoryObjectStore()
	mem.PutErrs = []error{&storage.UnavailableError{Op: "put", Attempts: 4, Err: errors.New("down")}}

	_, err := newIngestor(mem).Ingest(context.Background(), "r1", Sources(cfg))
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var ie *IngestionError
	if errors.As(err, &ie) {
		t.Error("storage failure must not be reported as an ingestion error")
	}
}
