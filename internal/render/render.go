package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/mmcdole/gofeed"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// DefaultUpdateKey fingerprints an entry by its identifier, falling back
// to the link when the feed carries no GUID.
const DefaultUpdateKey = "item.guid or item.link"

type TemplateName int

const (
	ItemSubject TemplateName = iota
	DigestSubject
	ItemBody
	DigestBody
)

func (n TemplateName) String() string {
	switch n {
	case ItemSubject:
		return "item-subject"
	case DigestSubject:
		return "digest-subject"
	case ItemBody:
		return "item-body"
	case DigestBody:
		return "digest-body"
	default:
		return "unknown"
	}
}

// RenderError wraps a template execution failure.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to render %s template: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// ItemData is the context for per-item templates and expressions.
type ItemData struct {
	Feed *gofeed.Feed
	Item *gofeed.Item
	Args map[string]any
}

// DigestData is the context for digest templates: every configured feed
// in the group plus the list of new items.
type DigestData struct {
	Feeds []*gofeed.Feed
	Items []ItemData
	Args  map[string]any
}

// Options carries the template sources and update-key expressions for
// one feed group. Empty fields fall back to the embedded defaults.
type Options struct {
	ItemSubject   string
	DigestSubject string
	ItemBody      string
	DigestBody    string
	UpdateKeys    []string
	Args          map[string]any
}

// Renderer holds the compiled templates and update-key expressions of
// one feed group for one configuration generation.
type Renderer struct {
	itemSubject   *texttemplate.Template
	digestSubject *texttemplate.Template
	itemBody      *htmltemplate.Template
	digestBody    *htmltemplate.Template
	updateKeys    []*Expr
	args          map[string]any
}

// New compiles templates and update-key expressions. Any compilation
// failure here is a configuration error surfaced at load time.
func New(opts Options) (*Renderer, error) {
	r := &Renderer{args: opts.Args}

	var err error
	if r.itemSubject, err = textTemplate("item-subject", opts.ItemSubject); err != nil {
		return nil, err
	}
	if r.digestSubject, err = textTemplate("digest-subject", opts.DigestSubject); err != nil {
		return nil, err
	}
	if r.itemBody, err = htmlTemplate("item-body", opts.ItemBody); err != nil {
		return nil, err
	}
	if r.digestBody, err = htmlTemplate("digest-body", opts.DigestBody); err != nil {
		return nil, err
	}

	keys := opts.UpdateKeys
	if len(keys) == 0 {
		keys = []string{DefaultUpdateKey}
	}
	r.updateKeys = make([]*Expr, 0, len(keys))
	for _, key := range keys {
		expr, err := CompileExpr(key)
		if err != nil {
			return nil, fmt.Errorf("invalid update key: %w", err)
		}
		r.updateKeys = append(r.updateKeys, expr)
	}

	return r, nil
}

// UpdateKeys returns the compiled update-key expressions in declared order.
func (r *Renderer) UpdateKeys() []*Expr {
	return r.updateKeys
}

// Args returns the resolved template-args value for this group.
func (r *Renderer) Args() map[string]any {
	return r.args
}

// Render executes the named template against data.
func (r *Renderer) Render(name TemplateName, data any) (string, error) {
	var buf bytes.Buffer
	var err error

	switch name {
	case ItemSubject:
		err = r.itemSubject.Execute(&buf, data)
	case DigestSubject:
		err = r.digestSubject.Execute(&buf, data)
	case ItemBody:
		err = r.itemBody.Execute(&buf, data)
	case DigestBody:
		err = r.digestBody.Execute(&buf, data)
	default:
		err = fmt.Errorf("unknown template %d", name)
	}
	if err != nil {
		return "", &RenderError{Template: name.String(), Err: err}
	}

	out := buf.String()
	if name == ItemSubject || name == DigestSubject {
		// subject templates are single lines, stray file newlines go
		out = strings.TrimSpace(out)
	}
	return out, nil
}

func textTemplate(name, source string) (*texttemplate.Template, error) {
	src, err := templateSource(name, source, ".txt.tmpl")
	if err != nil {
		return nil, err
	}
	tmpl, err := texttemplate.New(name).Funcs(texttemplate.FuncMap{
		"json": toJSON,
	}).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	return tmpl, nil
}

func htmlTemplate(name, source string) (*htmltemplate.Template, error) {
	src, err := templateSource(name, source, ".html.tmpl")
	if err != nil {
		return nil, err
	}
	tmpl, err := htmltemplate.New(name).Funcs(htmltemplate.FuncMap{
		"json": toJSON,
		"safe": func(s string) htmltemplate.HTML { return htmltemplate.HTML(s) },
	}).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	return tmpl, nil
}

func templateSource(name, source, ext string) (string, error) {
	if source != "" {
		return source, nil
	}
	data, err := defaultTemplates.ReadFile("templates/" + name + ext)
	if err != nil {
		return "", fmt.Errorf("failed to load default %s template: %w", name, err)
	}
	return string(data), nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
