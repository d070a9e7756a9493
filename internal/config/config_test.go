package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"workrelay/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("demo")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	d, err := cfg.Timeout()
	if err != nil || d != 30*time.Minute {
		t.Fatalf("timeout = %v, %v", d, err)
	}
}

func TestLookupAgentByNameOrID(t *testing.T) {
	cfg := Default("demo")
	a, ok := cfg.LookupAgent("r2 tech planner")
	if !ok || a.ID != "r2_tech_planner" {
		t.Fatalf("lookup by name: %+v %v", a, ok)
	}
	a, ok = cfg.LookupAgent("R3_TECH_IMPLEMENTER")
	if !ok || a.Role != "Implementation" {
		t.Fatalf("lookup by id: %+v %v", a, ok)
	}
	if _, ok := cfg.LookupAgent("nobody"); ok {
		t.Fatalf("expected unknown agent")
	}
}

func TestAgentForFallsBackAcrossDomains(t *testing.T) {
	cfg := Default("demo")
	a, ok := cfg.AgentFor(domain.RolePlanning, domain.DomainUX)
	if !ok || a.ID != "r2_ux_planner" {
		t.Fatalf("exact match: %+v", a)
	}
	a, ok = cfg.AgentFor(domain.RoleQA, domain.DomainProduct)
	if !ok || a.ID != "r5_tech_qa" {
		t.Fatalf("fallback: %+v", a)
	}
}

func TestFromYAMLMergesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("supervisor:\n  max_concurrent: 2\n  timeout: 5s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Supervisor.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent = %d", cfg.Supervisor.MaxConcurrent)
	}
	if len(cfg.Agents) == 0 || cfg.Routing.DefaultRole != "Implementation" {
		t.Fatalf("defaults not kept: %+v", cfg.Routing)
	}
}

func TestValidateRejectsBadTables(t *testing.T) {
	cases := map[string]string{
		"unknown label role": "routing:\n  labels:\n    \"feedback:x\": Janitor\n",
		"unknown path domain": "routing:\n  paths:\n    \"app/\": backend\n",
		"bad timeout":         "supervisor:\n  timeout: soon\n",
		"zero concurrency":    "supervisor:\n  max_concurrent: -1\n",
		"duplicate agent":     "agents:\n  - {id: a, name: A, role: QA, domain: ux}\n  - {id: b, name: a, role: QA, domain: ux}\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("demo")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	if err := Watch(ctx, dir, nil, func(c *Config) { got <- c }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	doc := "routing:\n  default_domain: product\n"
	if err := os.WriteFile(filepath.Join(dir, "relay.yml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Routing.DefaultDomain == "product" {
				return
			}
		case <-deadline:
			t.Fatalf("config was not reloaded")
		}
	}
}
