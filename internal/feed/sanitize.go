package feed

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

var (
	// bodyPolicy keeps harmless markup for mail bodies, dropping
	// scripts, event handlers and other active content.
	bodyPolicy = bluemonday.UGCPolicy()

	// textPolicy strips all markup; used for titles and for the plain
	// text the filter engine matches against.
	textPolicy = bluemonday.StrictPolicy()
)

func sanitizeFeed(feed *gofeed.Feed) {
	feed.Title = sanitizeText(feed.Title)
	feed.Description = bodyPolicy.Sanitize(feed.Description)
	feed.Copyright = sanitizeText(feed.Copyright)

	for _, item := range feed.Items {
		item.Title = sanitizeText(item.Title)
		item.Description = bodyPolicy.Sanitize(item.Description)
		item.Content = bodyPolicy.Sanitize(item.Content)
	}
}

func sanitizeText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// PlainText strips HTML tags and decodes entities, yielding the text the
// filter regexes match against.
func PlainText(s string) string {
	return sanitizeText(s)
}

// ItemBody returns the plain text body of an entry. Summary and full
// content both count: a body filter matches if its pattern occurs in
// either one.
func ItemBody(item *gofeed.Item) string {
	summary := PlainText(item.Description)
	content := PlainText(item.Content)
	switch {
	case summary == "":
		return content
	case content == "":
		return summary
	default:
		return summary + "\n" + content
	}
}
