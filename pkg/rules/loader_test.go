package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write rule file %s: %v", name, err)
	}
}

func TestLoadDirectory_SortsByPriorityAndDefaultsNamespace(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "b.json", `{"name":"second","priority":2,"enabled":true,"condition":{"field":"action_type","op":"eq","value":"alert"},"effect":{"verdict":{"kind":"allow"}}}`)
	writeRuleFile(t, dir, "a.json", `{"name":"first","priority":1,"enabled":true,"condition":{"field":"action_type","op":"eq","value":"alert"},"effect":{"verdict":{"kind":"allow"}}}`)
	writeRuleFile(t, dir, "ignore.txt", `not a rule`)

	rs, err := LoadDirectory("ns", dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if len(rs.Rules) != 2 {
		t.Fatalf("expected 2 rules (non-.json file excluded), got %d", len(rs.Rules))
	}
	if rs.Rules[0].Name != "first" || rs.Rules[1].Name != "second" {
		t.Fatalf("expected rules sorted by priority, got %q then %q", rs.Rules[0].Name, rs.Rules[1].Name)
	}
	for _, r := range rs.Rules {
		if r.Namespace != "ns" {
			t.Fatalf("expected rule %q namespace to default to %q, got %q", r.Name, "ns", r.Namespace)
		}
	}
}

func TestLoadDirectory_KeepsExplicitNamespace(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.json", `{"name":"first","namespace":"other","priority":1,"enabled":true,"condition":{"field":"action_type","op":"eq","value":"alert"},"effect":{"verdict":{"kind":"allow"}}}`)

	rs, err := LoadDirectory("ns", dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if rs.Rules[0].Namespace != "other" {
		t.Fatalf("expected explicit namespace to be preserved, got %q", rs.Rules[0].Namespace)
	}
}

func TestLoadDirectory_MissingDirErrors(t *testing.T) {
	if _, err := LoadDirectory("ns", "/does/not/exist"); err == nil {
		t.Fatal("expected an error for a missing rule directory")
	}
}

func TestLoadDirectory_InvalidJSONErrors(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "bad.json", `{not json`)
	if _, err := LoadDirectory("ns", dir); err == nil {
		t.Fatal("expected an error for invalid rule JSON")
	}
}
