package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"feedmail/internal/filter"
	"feedmail/internal/render"
)

// Built-in defaults, the lowest layer of the group > global > built-in
// setting precedence.
const (
	DefaultInterval         = time.Hour
	DefaultKeepOld          = 7 * 24 * time.Hour
	DefaultTimeout          = 30 * time.Second
	DefaultMaxMailsPerCheck = 5
	DefaultDigest           = false
	DefaultSanitize         = true
)

// Settings are the fully resolved tunables of one feed group.
type Settings struct {
	To                 []string
	CC                 []string
	BCC                []string
	Digest             bool
	Interval           time.Duration
	KeepOld            time.Duration
	Timeout            time.Duration
	MaxMailsPerCheck   int
	Sanitize           bool
	SortByLastModified bool
	HTTPHeaders        map[string]string
}

// Group is one resolved feed group. Its identity is the hash of its
// normalized, sorted URL set; changing the URLs yields a new group.
type Group struct {
	Key      string // hex form of URLsHash, used as the scheduler map key
	URLsHash []byte
	URLs     []string // declared order, earlier URLs win on conflicts
	Filter   filter.Node
	Renderer *render.Renderer
	Settings Settings
}

// Snapshot is one immutable resolved configuration generation. Readers
// always see a fully-formed value; a reload swaps the whole snapshot.
type Snapshot struct {
	Generation    uint64
	ErrorReportTo []string
	KeepOld       time.Duration
	Groups        []*Group
	Regexps       *filter.RegexCache

	byKey map[string]*Group
}

// Group looks up a group by its key, or nil if this generation no
// longer configures it.
func (s *Snapshot) Group(key string) *Group {
	return s.byKey[key]
}

// Resolve turns a parsed config into a snapshot: settings cascaded,
// URL-set hashes computed, templates, update keys, filter trees and
// regexes compiled. Any failure is a configuration error and leaves no
// partial snapshot behind.
func Resolve(cfg *Config) (*Snapshot, error) {
	globalKeepOld := DefaultKeepOld
	if cfg.Settings.KeepOld != nil {
		globalKeepOld = cfg.Settings.KeepOld.Std()
	}

	snap := &Snapshot{
		ErrorReportTo: cfg.ErrorReportTo,
		KeepOld:       globalKeepOld,
		Regexps:       filter.NewRegexCache(),
		byKey:         make(map[string]*Group, len(cfg.Feeds)),
	}

	for i := range cfg.Feeds {
		group, err := resolveGroup(&cfg.Feeds[i], &cfg.Settings, snap.Regexps)
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("feeds[%d] (%s): %w", i, strings.Join(cfg.Feeds[i].URLs, ", "), err)}
		}
		if dup := snap.byKey[group.Key]; dup != nil {
			return nil, &Error{Err: fmt.Errorf("duplicate feed URL set: %v", group.URLs)}
		}
		snap.byKey[group.Key] = group
		snap.Groups = append(snap.Groups, group)
	}

	return snap, nil
}

func resolveGroup(fc *FeedConfig, global *RawSettings, cache *filter.RegexCache) (*Group, error) {
	settings := Settings{
		To:                 pickList(fc.To, global.To),
		CC:                 pickList(fc.CC, global.CC),
		BCC:                pickList(fc.BCC, global.BCC),
		Digest:             pickBool(fc.Digest, global.Digest, DefaultDigest),
		Interval:           pickDuration(fc.Interval, global.Interval, DefaultInterval),
		KeepOld:            pickDuration(fc.KeepOld, global.KeepOld, DefaultKeepOld),
		Timeout:            pickDuration(fc.Timeout, global.Timeout, DefaultTimeout),
		MaxMailsPerCheck:   pickInt(fc.MaxMailsPerCheck, global.MaxMailsPerCheck, DefaultMaxMailsPerCheck),
		Sanitize:           pickBool(fc.Sanitize, global.Sanitize, DefaultSanitize),
		SortByLastModified: pickBool(fc.SortByLastModified, global.SortByLastModified, false),
		HTTPHeaders:        fc.HTTPHeaders,
	}
	if settings.HTTPHeaders == nil {
		settings.HTTPHeaders = global.HTTPHeaders
	}

	itemSubject, err := pickTemplate(fc.ItemSubject, global.ItemSubject)
	if err != nil {
		return nil, err
	}
	digestSubject, err := pickTemplate(fc.DigestSubject, global.DigestSubject)
	if err != nil {
		return nil, err
	}
	itemBody, err := pickTemplate(fc.ItemBody, global.ItemBody)
	if err != nil {
		return nil, err
	}
	digestBody, err := pickTemplate(fc.DigestBody, global.DigestBody)
	if err != nil {
		return nil, err
	}

	args := make(map[string]any, len(global.TemplateArgs)+len(fc.TemplateArgs))
	maps.Copy(args, global.TemplateArgs)
	maps.Copy(args, fc.TemplateArgs)

	renderer, err := render.New(render.Options{
		ItemSubject:   itemSubject,
		DigestSubject: digestSubject,
		ItemBody:      itemBody,
		DigestBody:    digestBody,
		UpdateKeys:    pickList(fc.UpdateKeys, global.UpdateKeys),
		Args:          args,
	})
	if err != nil {
		return nil, err
	}

	node, err := filter.Compile(fc.Filter, cache)
	if err != nil {
		return nil, err
	}

	urls := normalizeURLs(fc.URLs)
	urlsHash := HashURLs(urls)

	return &Group{
		Key:      hex.EncodeToString(urlsHash),
		URLsHash: urlsHash,
		URLs:     urls,
		Filter:   node,
		Renderer: renderer,
		Settings: settings,
	}, nil
}

// HashURLs computes the group identity hash over the normalized, sorted
// URL set, so declaration order does not change the group's identity.
func HashURLs(urls []string) []byte {
	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.Strings(sorted)

	h := sha256.New()
	for _, url := range sorted {
		sum := sha256.Sum256([]byte(url))
		h.Write(sum[:])
	}
	return h.Sum(nil)
}

func normalizeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url != "" {
			out = append(out, url)
		}
	}
	return out
}

func pickList(local, global StringList) []string {
	if local != nil {
		return local
	}
	return global
}

func pickBool(local, global *bool, fallback bool) bool {
	if local != nil {
		return *local
	}
	if global != nil {
		return *global
	}
	return fallback
}

func pickInt(local, global *int, fallback int) int {
	if local != nil {
		return *local
	}
	if global != nil {
		return *global
	}
	return fallback
}

func pickDuration(local, global *Duration, fallback time.Duration) time.Duration {
	if local != nil {
		return local.Std()
	}
	if global != nil {
		return global.Std()
	}
	return fallback
}

func pickTemplate(local, global *TemplateSource) (string, error) {
	if local != nil {
		return local.Source()
	}
	if global != nil {
		return global.Source()
	}
	return "", nil
}
