package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"feedmail/internal/filter"
)

// Config mirrors the TOML configuration file. Settings here are raw and
// optional; Resolve turns them into a fully-formed Snapshot.
type Config struct {
	DBPath        string       `toml:"db-path"`
	ErrorReportTo StringList   `toml:"error-report-to"`
	SMTP          SMTPConfig   `toml:"smtp"`
	Settings      RawSettings  `toml:"settings"`
	Feeds         []FeedConfig `toml:"feeds"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	StartTLS bool   `toml:"starttls"`
}

// FeedConfig is one [[feeds]] block: a URL set plus setting overrides.
type FeedConfig struct {
	URLs   StringList   `toml:"urls"`
	URL    string       `toml:"url"`
	Filter *filter.Spec `toml:"filter"`
	RawSettings
}

// RawSettings holds the per-group tunables before defaulting. Nil means
// "not set here", so group values can fall through to the global section
// and then to the built-in defaults.
type RawSettings struct {
	To                 StringList        `toml:"to"`
	CC                 StringList        `toml:"cc"`
	BCC                StringList        `toml:"bcc"`
	Digest             *bool             `toml:"digest"`
	ItemSubject        *TemplateSource   `toml:"item-subject"`
	DigestSubject      *TemplateSource   `toml:"digest-subject"`
	ItemBody           *TemplateSource   `toml:"item-body"`
	DigestBody         *TemplateSource   `toml:"digest-body"`
	TemplateArgs       map[string]any    `toml:"template-args"`
	UpdateKeys         StringList        `toml:"update-keys"`
	Interval           *Duration         `toml:"interval"`
	KeepOld            *Duration         `toml:"keep-old"`
	Timeout            *Duration         `toml:"timeout"`
	MaxMailsPerCheck   *int              `toml:"max-mails-per-check"`
	Sanitize           *bool             `toml:"sanitize"`
	SortByLastModified *bool             `toml:"sort-by-last-modified"`
	HTTPHeaders        map[string]string `toml:"http-headers"`
}

// Load reads and parses the configuration file without resolving it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to parse config: %w", err)}
	}

	if err := validateConfig(&config); err != nil {
		return nil, &Error{Err: err}
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	if config.DBPath == "" {
		config.DBPath = "./feedmail.db"
	}

	for i := range config.Feeds {
		feed := &config.Feeds[i]
		if feed.URL != "" {
			feed.URLs = append(StringList{feed.URL}, feed.URLs...)
			feed.URL = ""
		}
		if len(feed.URLs) == 0 {
			return fmt.Errorf("feeds[%d]: at least one url is required", i)
		}
		if feed.Filter != nil {
			if err := feed.Filter.Validate(); err != nil {
				return fmt.Errorf("feeds[%d]: %w", i, err)
			}
		}
	}

	return nil
}

// Error marks a configuration problem. A reload that produces one keeps
// the previous snapshot running.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StringList accepts either a single TOML string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*l = StringList{val}
	case []any:
		out := make(StringList, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		*l = out
	default:
		return fmt.Errorf("expected string or array of strings, got %T", v)
	}
	return nil
}

// Duration parses TOML strings like "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) Std() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

// TemplateSource is either an inline template string or a table pointing
// at a file: `item-subject = "..."` or `item-subject = { file = "x.tmpl" }`.
type TemplateSource struct {
	Inline string
	File   string
}

func (t *TemplateSource) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		t.Inline = val
	case map[string]any:
		file, hasFile := val["file"].(string)
		inline, hasInline := val["inline"].(string)
		switch {
		case hasFile && !hasInline:
			t.File = file
		case hasInline && !hasFile:
			t.Inline = inline
		default:
			return fmt.Errorf("template source must set exactly one of file/inline")
		}
	default:
		return fmt.Errorf("expected string or table for template source, got %T", v)
	}
	return nil
}

// Source returns the template text, reading the file variant from disk.
func (t *TemplateSource) Source() (string, error) {
	if t.File != "" {
		data, err := os.ReadFile(t.File)
		if err != nil {
			return "", fmt.Errorf("failed to read template file %s: %w", t.File, err)
		}
		return string(data), nil
	}
	return t.Inline, nil
}
