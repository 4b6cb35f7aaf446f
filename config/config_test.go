package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[server]
listen = "127.0.0.1:7071"
status = "127.0.0.1:7070"
local-only = true
handle-ttl = "10m"

[log]
verbosity = 2
path = "minion.log"

[journal]
path = "calls.db"

[agent]
enabled = true
args = "rewrite"

[[agent.rewrite]]
from = "DEBUG"
to = "false"

[[agent.rewrite]]
from = "now()"
to = "Date.now()"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Server.Listen != "127.0.0.1:7071" || c.Server.Status != "127.0.0.1:7070" {
		t.Errorf("server = %+v", c.Server)
	}
	if !c.Server.LocalOnly {
		t.Error("local-only should be true")
	}
	if c.Server.HandleTTL.Duration != 10*time.Minute {
		t.Errorf("handle-ttl = %v, want 10m", c.Server.HandleTTL)
	}
	if c.Server.SweepInterval.Duration != 5*time.Minute {
		t.Errorf("sweep-interval = %v, want default 5m", c.Server.SweepInterval)
	}
	if c.Log.Verbosity != 2 || c.Log.Path != "minion.log" {
		t.Errorf("log = %+v", c.Log)
	}
	if !c.Agent.Enabled || c.Agent.Args != "rewrite" || len(c.Agent.Rewrite) != 2 {
		t.Errorf("agent = %+v", c.Agent)
	}
	if got := c.JournalPath(); got != filepath.Join(c.Dir, "calls.db") {
		t.Errorf("JournalPath = %q", got)
	}
	if got := c.Replacer().Replace("if (DEBUG) log(now())"); got != "if (false) log(Date.now())" {
		t.Errorf("Replacer = %q", got)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[server]\nlisten = \"x\"\nlistne = \"y\"\n")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "server.listne") {
		t.Errorf("err = %v, want unknown key server.listne", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[server]\nhandle-ttl = \"soon\"\n")
	if _, err := Load(dir); err == nil {
		t.Error("an invalid duration should fail")
	}
}

func TestLoad_EmptyRewrite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[[agent.rewrite]]\nto = \"x\"\n")
	if _, err := Load(dir); err == nil {
		t.Error("a rewrite without from should fail")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[journal]\npath = \":memory:\"\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("config should be found in a parent directory")
	}
	if c.JournalPath() != ":memory:" {
		t.Errorf("JournalPath = %q", c.JournalPath())
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoad_None(t *testing.T) {
	// A minion.toml further up the real filesystem would also be found, so
	// only the absence of an error is checked.
	if _, err := FindAndLoad(t.TempDir()); err != nil {
		t.Errorf("FindAndLoad: %v", err)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Server.HandleTTL.Duration != 30*time.Minute || c.Journal.Path != "" {
		t.Errorf("default = %+v", c)
	}
}
