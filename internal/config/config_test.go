package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
db-path = "/var/lib/feedmail/state.db"
error-report-to = "ops@example.com"

[smtp]
host = "mail.example.com"
port = 587
username = "feedmail"
password = "hunter2"
from = "feedmail@example.com"
starttls = true

[settings]
to = ["me@example.com"]
interval = "30m"
max-mails-per-check = 10

[[feeds]]
url = "https://example.com/rss"

[[feeds]]
urls = ["https://a.example.com/atom", "https://b.example.com/atom"]
digest = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DBPath != "/var/lib/feedmail/state.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if diff := cmp.Diff(StringList{"ops@example.com"}, cfg.ErrorReportTo); diff != "" {
		t.Errorf("ErrorReportTo mismatch (-want +got):\n%s", diff)
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 587 || !cfg.SMTP.StartTLS {
		t.Errorf("SMTP = %+v", cfg.SMTP)
	}
	if got := cfg.Settings.Interval.Std(); got != 30*time.Minute {
		t.Errorf("global interval = %v", got)
	}

	if len(cfg.Feeds) != 2 {
		t.Fatalf("got %d feeds", len(cfg.Feeds))
	}
	// the singular url form folds into the urls list
	if diff := cmp.Diff(StringList{"https://example.com/rss"}, cfg.Feeds[0].URLs); diff != "" {
		t.Errorf("feeds[0].URLs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Feeds[1].Digest == nil || !*cfg.Feeds[1].Digest {
		t.Errorf("feeds[1].Digest = %v", cfg.Feeds[1].Digest)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "feed without urls", content: "[[feeds]]\ndigest = true\n"},
		{name: "invalid toml", content: "feeds = [[[\n"},
		{name: "invalid duration", content: "[settings]\ninterval = \"soon\"\n"},
		{
			name: "invalid filter node",
			content: `
[[feeds]]
url = "https://example.com/rss"
[feeds.filter]
title-regex = "a"
body-regex = "b"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestStringListForms(t *testing.T) {
	path := writeConfig(t, `
[settings]
to = "one@example.com"

[[feeds]]
url = "https://example.com/rss"
to = ["two@example.com", "three@example.com"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(StringList{"one@example.com"}, cfg.Settings.To); diff != "" {
		t.Errorf("scalar form mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StringList{"two@example.com", "three@example.com"}, cfg.Feeds[0].To); diff != "" {
		t.Errorf("array form mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplateSourceForms(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "subject.tmpl")
	if err := os.WriteFile(tmplPath, []byte("from file"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	path := writeConfig(t, `
[[feeds]]
url = "https://example.com/rss"
item-subject = "inline template"
digest-subject = { file = "`+tmplPath+`" }
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	inline, err := cfg.Feeds[0].ItemSubject.Source()
	if err != nil {
		t.Fatalf("inline source: %v", err)
	}
	if inline != "inline template" {
		t.Errorf("inline = %q", inline)
	}

	fromFile, err := cfg.Feeds[0].DigestSubject.Source()
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	if fromFile != "from file" {
		t.Errorf("file = %q", fromFile)
	}
}

func TestLoadDefaultsDBPath(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[[feeds]]
url = "https://example.com/rss"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath == "" {
		t.Error("DBPath not defaulted")
	}
}
