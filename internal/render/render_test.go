package render

import (
	"strings"
	"testing"

	"github.com/mmcdole/gofeed"
)

func TestDefaultTemplates(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	feed := &gofeed.Feed{Title: "Example Blog", Link: "https://example.com"}
	item := &gofeed.Item{
		Title:       "First Post",
		Link:        "https://example.com/first",
		Description: "<p>Hello world</p>",
	}
	data := ItemData{Feed: feed, Item: item}

	subject, err := r.Render(ItemSubject, data)
	if err != nil {
		t.Fatalf("render subject: %v", err)
	}
	if subject != "First Post - Example Blog" {
		t.Errorf("subject = %q", subject)
	}

	body, err := r.Render(ItemBody, data)
	if err != nil {
		t.Fatalf("render body: %v", err)
	}
	if !strings.Contains(body, `<a href="https://example.com/first">First Post</a>`) {
		t.Errorf("body missing item link: %q", body)
	}
	if !strings.Contains(body, "<p>Hello world</p>") {
		t.Errorf("body did not pass item html through: %q", body)
	}
}

func TestDefaultDigestTemplates(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	feed := &gofeed.Feed{Title: "Example Blog", Link: "https://example.com"}
	items := []ItemData{
		{Feed: feed, Item: &gofeed.Item{Title: "One", Link: "https://example.com/1"}},
		{Feed: feed, Item: &gofeed.Item{Title: "Two", Link: "https://example.com/2"}},
	}
	data := DigestData{Feeds: []*gofeed.Feed{feed}, Items: items}

	subject, err := r.Render(DigestSubject, data)
	if err != nil {
		t.Fatalf("render subject: %v", err)
	}
	if subject != "2 new items - Example Blog" {
		t.Errorf("subject = %q", subject)
	}

	body, err := r.Render(DigestBody, data)
	if err != nil {
		t.Fatalf("render body: %v", err)
	}
	for _, want := range []string{"One", "Two", "https://example.com/1", "https://example.com/2"} {
		if !strings.Contains(body, want) {
			t.Errorf("digest body missing %q", want)
		}
	}
}

func TestCustomTemplates(t *testing.T) {
	r, err := New(Options{
		ItemSubject: `[{{ .Args.tag }}] {{ .Item.Title }}`,
		ItemBody:    `<b>{{ .Item.Title }}</b> {{ json .Args }}`,
		Args:        map[string]any{"tag": "news"},
	})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	data := ItemData{
		Feed: &gofeed.Feed{},
		Item: &gofeed.Item{Title: "Hi"},
		Args: r.Args(),
	}

	subject, err := r.Render(ItemSubject, data)
	if err != nil {
		t.Fatalf("render subject: %v", err)
	}
	if subject != "[news] Hi" {
		t.Errorf("subject = %q", subject)
	}

	body, err := r.Render(ItemBody, data)
	if err != nil {
		t.Fatalf("render body: %v", err)
	}
	if !strings.Contains(body, `{&#34;tag&#34;:&#34;news&#34;}`) && !strings.Contains(body, `{"tag":"news"}`) {
		t.Errorf("body missing args json: %q", body)
	}
}

func TestHTMLBodyEscapesByDefault(t *testing.T) {
	r, err := New(Options{ItemBody: `{{ .Item.Title }}`})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	body, err := r.Render(ItemBody, ItemData{
		Feed: &gofeed.Feed{},
		Item: &gofeed.Item{Title: `<script>alert(1)</script>`},
	})
	if err != nil {
		t.Fatalf("render body: %v", err)
	}
	if strings.Contains(body, "<script>") {
		t.Errorf("title was not escaped: %q", body)
	}
}

func TestNewRejectsBadTemplate(t *testing.T) {
	if _, err := New(Options{ItemSubject: `{{ .Item.Title`}); err == nil {
		t.Fatal("expected error for unparsable template")
	}
	if _, err := New(Options{UpdateKeys: []string{"item.(("}}); err == nil {
		t.Fatal("expected error for unparsable update key")
	}
}

func TestUpdateKeysDefault(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	keys := r.UpdateKeys()
	if len(keys) != 1 || keys[0].Source() != DefaultUpdateKey {
		t.Errorf("default update keys = %v", keys)
	}
}
