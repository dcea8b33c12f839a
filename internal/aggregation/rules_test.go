package aggregation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// writeRule is a test helper that writes a single rule YAML file into dir.
func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSystemRuleRepository_LoadAndList(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "service_cpm.yaml", `
name: "service_cpm"
source_event: "api.request"
function: "count"
`)
	writeRule(t, dir, "service_resp_time.yaml", `
name: "service_resp_time"
source_event: "api.request"
function: "avg"
field: "latency"
`)
	writeRule(t, dir, "instance_cpu.yaml", `
name: "instance_cpu"
source_event: "instance_cpu_usage"
function: "latest"
field: "value"
profile: "mal"
`)

	repo, err := NewFileSystemRuleRepository(dir)
	if err != nil {
		t.Fatalf("NewFileSystemRuleRepository: %v", err)
	}

	all, err := repo.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("List all: got %d rules, want 3", len(all))
	}
	if all[0].Name != "instance_cpu" || all[2].Name != "service_resp_time" {
		t.Errorf("rules not sorted by name: %q .. %q", all[0].Name, all[2].Name)
	}

	filtered, err := repo.List(context.Background(), "api.request")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Errorf("List api.request: got %d, want 2", len(filtered))
	}

	noMatch, err := repo.List(context.Background(), "invoice.created")
	if err != nil {
		t.Fatal(err)
	}
	if len(noMatch) != 0 {
		t.Errorf("List invoice.created: got %d, want 0", len(noMatch))
	}
}

func TestFileSystemRuleRepository_GetAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "my_rule.yaml", `
name: "my_rule"
source_event: "order.placed"
operator: "max"
field: "amount"
`)
	writeRule(t, dir, "once.yaml", `
name: "once"
source_event: "order.placed"
function: "sum"
field: "amount"
entity_field: "region"
downsampling: false
update: false
alarm_above: "99.5"
`)

	repo, err := NewFileSystemRuleRepository(dir)
	if err != nil {
		t.Fatal(err)
	}

	rule, err := repo.Get(context.Background(), "my_rule")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Function != metrics.FnMax {
		t.Errorf("Function = %q, want operator alias to apply", rule.Function)
	}
	if rule.Field != "amount" {
		t.Errorf("Field = %q", rule.Field)
	}
	if rule.EntityField != EntityFromPrincipal || rule.Profile != ProfileOAL {
		t.Errorf("defaults not applied: entity=%q profile=%q", rule.EntityField, rule.Profile)
	}
	if !rule.Downsampling || !rule.SupportUpdate {
		t.Error("downsampling and update should default to true")
	}
	if rule.Fingerprint == "" {
		t.Error("Fingerprint is empty")
	}
	if rule.AlarmAbove.Valid {
		t.Error("alarm should be unarmed without alarm_above")
	}

	once, err := repo.Get(context.Background(), "once")
	if err != nil {
		t.Fatal(err)
	}
	if once.Downsampling || once.SupportUpdate || once.EntityField != "region" {
		t.Errorf("explicit settings ignored: %+v", once)
	}
	if !once.AlarmAbove.Valid || once.AlarmAbove.Decimal.String() != "99.5" {
		t.Errorf("AlarmAbove = %+v, want 99.5", once.AlarmAbove)
	}

	_, err = repo.Get(context.Background(), "nonexistent")
	if err == nil {
		t.Error("Get nonexistent: expected error, got nil")
	}
}

func TestFileSystemRuleRepository_Fingerprint_Changes(t *testing.T) {
	dir := t.TempDir()
	content := "name: \"fp_rule\"\nsource_event: \"x\"\nfunction: \"count\"\n"
	writeRule(t, dir, "fp_rule.yaml", content)

	repo1, err := NewFileSystemRuleRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	r1, _ := repo1.Get(context.Background(), "fp_rule")

	writeRule(t, dir, "fp_rule.yaml", content+"# comment\n")

	repo2, err := NewFileSystemRuleRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := repo2.Get(context.Background(), "fp_rule")

	if r1.Fingerprint == r2.Fingerprint {
		t.Error("Fingerprint did not change after file modification")
	}
}

func TestFileSystemRuleRepository_InvalidRules(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown function", "name: bad\nsource_event: x\nfunction: p99\nfield: v\n"},
		{"missing field", "name: bad\nsource_event: x\nfunction: sum\n"},
		{"unknown profile", "name: bad\nsource_event: x\nfunction: count\nprofile: lal\n"},
		{"missing source event", "name: bad\nfunction: count\n"},
		{"malformed yaml", "name: [bad\n"},
		{"bad alarm threshold", "name: bad\nsource_event: x\nfunction: count\nalarm_above: lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeRule(t, dir, "bad.yaml", tt.content)
			if _, err := NewFileSystemRuleRepository(dir); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestFileSystemRuleRepository_MissingDir(t *testing.T) {
	// Non-existent directory is valid: zero rules.
	repo, err := NewFileSystemRuleRepository(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error for missing dir: %v", err)
	}
	if rules := repo.GetRules(); len(rules) != 0 {
		t.Errorf("expected 0 rules from missing dir, got %d", len(rules))
	}
}

func TestFileSystemRuleRepository_SkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "empty.yaml", "")
	writeRule(t, dir, "comment_only.yaml", "# just a comment\n")
	writeRule(t, dir, "notes.txt", "name: ignored\n")
	writeRule(t, dir, "real.yml", `
name: "real"
source_event: "x"
function: "count"
`)

	repo, err := NewFileSystemRuleRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rules := repo.GetRules(); len(rules) != 1 {
		t.Errorf("expected 1 rule (skipping empty/comment files), got %d", len(rules))
	}
}

func TestFileSystemRuleRepository_DuplicateRuleName(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "first.yaml", "name: dup_rule\nsource_event: x\nfunction: count\n")
	writeRule(t, dir, "second.yaml", "name: dup_rule\nsource_event: y\nfunction: sum\nfield: amount\n")

	if _, err := NewFileSystemRuleRepository(dir); err == nil {
		t.Fatal("expected error for duplicate rule name, got nil")
	}
}
