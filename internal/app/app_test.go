package app_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"formline/internal/app"
	"formline/internal/bank"
	"formline/internal/config"
	"formline/internal/domain"
)

func TestOpenWiresServices(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.Default()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	env, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, LogOutput: &logs})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer env.Close()

	ctx := context.Background()
	if _, err := env.Engine.CreateQuestionDraft(ctx, "zip", domain.QuestionContent{Type: domain.TypeID, Text: "ZIP code?"}, "admin"); err != nil {
		t.Fatalf("create: %v", err)
	}
	items, err := env.Bank.List(ctx, bank.Query{})
	if err != nil || len(items) != 1 {
		t.Fatalf("bank should see the draft: %+v %v", items, err)
	}
	if !strings.Contains(logs.String(), `"component":"engine"`) {
		t.Fatalf("expected json engine logs, got %q", logs.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Log.Level = "warn"
	log := app.NewLogger(cfg, &buf)
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
