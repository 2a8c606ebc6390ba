package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/definition"
	"github.com/pitabwire/docket/internal/workflow"
)

const conveyancingTemplate = `key: conveyancing
version: 1
name: Residential Conveyancing
stages:
  - name: Instructions
    sort_order: 1
    tasks:
      - title: Client ID check
        sort_order: 1
        mandatory: true
  - name: Searches
    sort_order: 2
    gate_type: soft
    applicability_conditions:
      leasehold: true
    tasks:
      - title: Order local search
        sort_order: 1
        mandatory: true
`

const brokenTemplate = `key: broken
version: 0
stages:
  - name: Only
    sort_order: 1
    gate_type: sometimes
`

type cliTestEnv struct {
	configPath   string
	templatesDir string
}

func setupCLITestEnv(t *testing.T, templates map[string]string) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	templatesDir := filepath.Join(base, "templates")
	if err := os.MkdirAll(templatesDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range templates {
		if err := os.WriteFile(filepath.Join(templatesDir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}

	configPath := filepath.Join(base, "config.yaml")
	cfg := "store:\n  driver: memory\n" +
		"conditions:\n  schema:\n    leasehold: bool\n" +
		"templates:\n  directories:\n    - " + templatesDir + "\n" +
		"observability:\n  log_level: error\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{configPath: configPath, templatesDir: templatesDir}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTemplatesValidate(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{"conveyancing.yaml": conveyancingTemplate})

	out, err := env.run(t, "templates", "validate")
	if err != nil {
		t.Fatalf("templates validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "conveyancing v1: 2 stage(s)") {
		t.Errorf("output missing template summary:\n%s", out)
	}
	if !strings.Contains(out, "1 template(s) valid") {
		t.Errorf("output missing count:\n%s", out)
	}
}

func TestTemplatesValidate_reportsErrors(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{
		"conveyancing.yaml": conveyancingTemplate,
		"broken.yaml":       brokenTemplate,
	})

	out, err := env.run(t, "templates", "validate")
	if err == nil {
		t.Fatalf("expected validation failure, output:\n%s", out)
	}
	for _, want := range []string{"RANGE", "INVALID_ENUM", "REQUIRED"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
}

func TestTemplatesValidate_explicitDirectory(t *testing.T) {
	env := setupCLITestEnv(t, nil)
	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(other, "c.yml"), []byte(conveyancingTemplate), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := env.run(t, "templates", "validate", other)
	if err != nil {
		t.Fatalf("templates validate %s: %v\n%s", other, err, out)
	}
	if !strings.Contains(out, "1 template(s) valid") {
		t.Errorf("output:\n%s", out)
	}
}

func TestTemplatesPublish_memoryStore(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{"conveyancing.yaml": conveyancingTemplate})

	out, err := env.run(t, "templates", "publish")
	if err != nil {
		t.Fatalf("templates publish: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 template(s) published") {
		t.Errorf("output:\n%s", out)
	}
}

func TestTemplatesPublish_invalidPublishesNothing(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{"broken.yaml": brokenTemplate})

	out, err := env.run(t, "templates", "publish")
	if err == nil || !strings.Contains(err.Error(), "nothing published") {
		t.Fatalf("err = %v, want validation failure\n%s", err, out)
	}
}

func TestTemplatesSetActive_args(t *testing.T) {
	env := setupCLITestEnv(t, nil)

	if _, err := env.run(t, "templates", "set-active", "conveyancing"); err == nil {
		t.Error("set-active with one argument should fail")
	}
	if _, err := env.run(t, "templates", "set-active", "conveyancing", "zero"); err == nil {
		t.Error("set-active with a non-numeric version should fail")
	}
	// A fresh memory store has nothing published.
	if _, err := env.run(t, "templates", "set-active", "conveyancing", "1"); err == nil {
		t.Error("set-active of an unpublished template should fail")
	}
}

func TestMigrate_requiresPostgres(t *testing.T) {
	env := setupCLITestEnv(t, nil)

	_, err := env.run(t, "migrate")
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("err = %v, want postgres driver error", err)
	}
}

func TestRoot_missingConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "templates", "validate"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRegistry_publishesIntoMemoryStore(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{"conveyancing.yaml": conveyancingTemplate})
	cfg, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	store := workflow.NewMemoryStore()
	registry := definition.NewRegistry()
	if err := loadRegistry(context.Background(), cfg, store, registry, zap.NewNop(), nil); err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}

	all := registry.All()
	if len(all) != 1 || all[0].Key != "conveyancing" {
		t.Fatalf("registry = %+v, want conveyancing only", all)
	}
	if tpl := all[0]; tpl.ID == "" || len(tpl.Stages) != 2 {
		t.Errorf("template = %+v, want stored template with 2 stages", tpl)
	}
	if !registry.Loaded() {
		t.Error("registry should report loaded")
	}
}

func TestLoadRegistry_resolveSkipsUnpublished(t *testing.T) {
	env := setupCLITestEnv(t, map[string]string{"conveyancing.yaml": conveyancingTemplate})
	cfg, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	// Pretend the store is external and publishing is off.
	cfg.Store.Driver = "postgres"
	cfg.Templates.Publish = false

	registry := definition.NewRegistry()
	if err := loadRegistry(context.Background(), cfg, workflow.NewMemoryStore(), registry, zap.NewNop(), nil); err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry has %d templates, want 0 when nothing is published", registry.Len())
	}
	if !registry.Loaded() {
		t.Error("an empty snapshot still counts as loaded")
	}
}
