package schema

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var runDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func parse(t *testing.T, csv string) *Table {
	t.Helper()
	tbl, err := ParseCSV([]byte(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	return tbl
}

func constraints(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Field + ":" + v.Constraint
	}
	return out
}

func TestParseCSV(t *testing.T) {
	tbl := parse(t, "\xef\xbb\xbfid_client, nom,email,date_inscription,pays\n1,Alice,a@x.io,2023-01-01,France\n2,Bob\n")
	if tbl.Header[0] != "id_client" || tbl.Header[1] != "nom" {
		t.Errorf("header not normalised: %q", tbl.Header)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(tbl.Rows))
	}
	if tbl.Rows[0].Line != 2 || tbl.Rows[1].Line != 3 {
		t.Errorf("unexpected line numbers %d, %d", tbl.Rows[0].Line, tbl.Rows[1].Line)
	}
	if got := tbl.Value(tbl.Rows[1], "email"); got != "" {
		t.Errorf("short row should yield empty value, got %q", got)
	}
}

func TestParseCSVEmpty(t *testing.T) {
	if _, err := ParseCSV(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestMissingColumns(t *testing.T) {
	tbl := parse(t, "id_client,nom,email\n")
	missing := tbl.MissingColumns(Clients())
	if strings.Join(missing, ",") != "date_inscription,pays" {
		t.Errorf("unexpected missing columns %v", missing)
	}
}

func TestValidateStructural(t *testing.T) {
	tbl := parse(t, `id_achat,id_client,date_achat,montant,produit
1,1,2024-05-01,100.0,Laptop
2,1,not-a-date,50,Mouse
3,1,2024-05-02,-5,Cable
4,1,2024-05-03
5,1,2024-05-03,,Desk
`)
	v := NewValidator(runDate)
	valid, vs := v.Validate(tbl, Achats(), LevelStructural)

	if len(valid) != 2 {
		t.Fatalf("expected 2 structurally valid rows, got %d", len(valid))
	}
	got := strings.Join(constraints(vs), " ")
	want := "date_achat:type :shape montant:required"
	if got != want {
		t.Errorf("violations = %q, want %q", got, want)
	}
	if valid[1].Float("montant") != -5 {
		t.Errorf("structural level should not apply business rules")
	}
}

func TestValidateBusiness(t *testing.T) {
	tbl := parse(t, `id_client,nom,email,date_inscription,pays
1,Alice,alice@example.com,2023-01-15,France
2,Bob,not-an-email,2023-02-01,Spain
3,Carol,carol@example.com,2030-01-01,Italy
0,Dan,dan@example.com,2023-01-01,France
1,Alice Again,alice2@example.com,2023-01-15,France
`)
	v := NewValidator(runDate)
	valid, vs := v.Validate(tbl, Clients(), LevelBusiness)

	if len(valid) != 1 || valid[0].Int("id_client") != 1 || valid[0].Text("nom") != "Alice" {
		t.Fatalf("expected only customer 1 to be valid, got %+v", valid)
	}
	got := strings.Join(constraints(vs), " ")
	want := "email:email date_inscription:notfuture id_client:gt id_client:unique"
	if got != want {
		t.Errorf("violations = %q, want %q", got, want)
	}
	for _, viol := range vs {
		if viol.Key == "" || viol.Line == 0 {
			t.Errorf("violation missing identifying key: %+v", viol)
		}
	}
}

func TestRegistrationOnRunDateIsValid(t *testing.T) {
	tbl := parse(t, "id_client,nom,email,date_inscription,pays\n1,A,a@b.io,2024-06-01 18:30:00,FR\n")
	v := NewValidator(runDate)
	valid, vs := v.Validate(tbl, Clients(), LevelBusiness)
	if len(valid) != 1 || len(vs) != 0 {
		t.Errorf("expected registration on the run date to pass, got %v", vs)
	}
}

func TestCheckRules(t *testing.T) {
	v := NewValidator(runDate)
	if err := v.CheckRules(Clients()); err != nil {
		t.Errorf("built-in rules should be valid: %v", err)
	}
	s := Clients()
	s.Fields[1].Rules = "definitely_not_a_rule"
	if err := v.CheckRules(s); err == nil {
		t.Error("expected error for unknown rule")
	}
}

func TestWriteAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "achats.yaml")
	s := Achats()
	s.Fields[3].Rules = "gt=0,lt=100000"
	if err := s.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}

	loaded, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if loaded.Entity != "achats" || loaded.Key != "id_achat" {
		t.Errorf("unexpected schema %+v", loaded)
	}
	f, ok := loaded.Field("montant")
	if !ok || f.Rules != "gt=0,lt=100000" || f.Type != TypeFloat {
		t.Errorf("unexpected montant field %+v", f)
	}
}

func TestLoadYAMLRejectsUnknownRule(t *testing.T) {
	dir := t.TempDir()
	s := Clients()
	s.Fields[0].Rules = "gtx=0"
	if err := s.WriteYAML(filepath.Join(dir, "clients.yaml")); err != nil {
		t.Fatal(err)
	}
	_, err := Resolve(dir, EntityClients)
	if err == nil || !strings.Contains(err.Error(), "id_client") {
		t.Fatalf("expected rule error naming id_client, got %v", err)
	}
}

func TestMontantUpperBound(t *testing.T) {
	tbl := parse(t, "id_achat,id_client,date_achat,montant,produit\n1,1,2024-05-01,1.7e308,Laptop\n2,1,2024-05-02,999999999.99,Laptop\n")
	valid, vs := NewValidator(runDate).Validate(tbl, Achats(), LevelBusiness)
	if len(valid) != 1 || valid[0].Key != "2" {
		t.Fatalf("expected only row 2 to pass, got %d valid", len(valid))
	}
	if len(vs) != 1 || vs[0].Field != "montant" || vs[0].Constraint != "lte" {
		t.Errorf("unexpected violations %+v", vs)
	}
}

func TestLoadYAML_NotFound(t *testing.T) {
	_, err := LoadYAML("/nonexistent/path/schema.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	override := Clients()
	override.Fields[2].Nullable = true
	if err := override.WriteYAML(filepath.Join(dir, "clients.yaml")); err != nil {
		t.Fatal(err)
	}

	s, err := Resolve(dir, EntityClients)
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := s.Field("email"); !f.Nullable {
		t.Error("expected override from schema dir")
	}

	s, err = Resolve(dir, EntityAchats)
	if err != nil {
		t.Fatal(err)
	}
	if s.Key != "id_achat" {
		t.Errorf("expected built-in achats schema, got key %s", s.Key)
	}

	if _, err := Resolve("", "unknown"); err == nil {
		t.Error("expected error for unknown entity")
	}
}

func TestSummary(t *testing.T) {
	summary := Clients().Summary()
	if !strings.Contains(summary, "date_inscription") || !strings.Contains(summary, "not_future") {
		t.Errorf("unexpected summary:\n%s", summary)
	}
}

func TestRateGate(t *testing.T) {
	tests := []struct {
		name     string
		gate     RateGate
		total    int
		rejected int
		wantErr  bool
	}{
		{"disabled", RateGate{}, 10, 10, false},
		{"under", RateGate{MaxRate: 0.2}, 10, 2, false},
		{"over", RateGate{MaxRate: 0.2}, 10, 3, true},
		{"empty input", RateGate{MaxRate: 0.2}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.gate.Check("achats", tt.total, tt.rejected)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ge *GateError
				if ge, _ = err.(*GateError); ge == nil || ge.Rejected != tt.rejected {
					t.Errorf("expected *GateError, got %v", err)
				}
			}
		})
	}
}

func TestRejectedRows(t *testing.T) {
	vs := []Violation{{Line: 2}, {Line: 2}, {Line: 5}}
	if n := RejectedRows(vs); n != 2 {
		t.Errorf("expected 2 rejected rows, got %d", n)
	}
}
