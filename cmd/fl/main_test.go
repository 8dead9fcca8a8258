package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"formline/internal/domain"
)

func TestDecodeDefinitionYAML(t *testing.T) {
	src := `
blocks:
  - id: 1
    name: Household
    questions:
      - name: household_size
  - id: 2
    questions:
      - name: income
        optional: true
    predicate:
      action: hide_if
      root: 0
      nodes:
        - kind: leaf
          question: household_size
          operator: gt
          value: "4"
`
	var c domain.ProgramContent
	if err := decodeDefinition([]byte(src), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(c.Blocks) != 2 || c.Blocks[0].Name != "Household" {
		t.Fatalf("unexpected blocks %+v", c.Blocks)
	}
	if !c.Blocks[1].Questions[0].Optional {
		t.Fatalf("expected optional ref")
	}
	if c.Blocks[1].Predicate == nil || c.Blocks[1].Predicate.Action != domain.ActionHideIf {
		t.Fatalf("expected hide_if predicate, got %+v", c.Blocks[1].Predicate)
	}
}

func TestDecodeDefinitionRejectsUnknownFields(t *testing.T) {
	var c domain.QuestionContent
	err := decodeDefinition([]byte("type: text\ntext: Name\ncolour: red\n"), &c)
	if err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{"pets=Rex", "age=4", "pets=Tom"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0].Question != "pets" || strings.Join(got[0].Values, ",") != "Rex,Tom" || got[1].Values[0] != "4" {
		t.Fatalf("unexpected answers %+v", got)
	}
	if _, err := parseSets([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty question")
	}
	if _, err := parseSets([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}

func TestSetEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("# comment\nFORMLINE_JWT_SECRET=old\nOTHER=1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := setEnvValue(path, "FORMLINE_JWT_SECRET", "new"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := setEnvValue(path, "FORMLINE_LOG_LEVEL", "debug"); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "# comment\nFORMLINE_JWT_SECRET=new\nOTHER=1\nFORMLINE_LOG_LEVEL=debug\n"
	if string(data) != want {
		t.Fatalf("unexpected .env:\n%s", data)
	}
}
