package news

import (
	"net/url"
	"strings"
)

// DefaultArticleURLTemplate links an item id to its article page.
const DefaultArticleURLTemplate = "https://detroitnow.io/article/{id}/"

// ExtraKeepURL marks an item whose URL is already its canonical link, so
// the id template is not applied. Feeds whose ids are not article numbers
// set it.
const ExtraKeepURL = "keep_url"

// RenderOptions controls the alert text.
type RenderOptions struct {
	// ArticleURLTemplate must contain "{id}". Empty falls back to Item.URL.
	ArticleURLTemplate string
	// Prefix is prepended followed by a blank line (e.g. "BREAKING:").
	Prefix string
}

// ArticleURL derives the article link from the item identifier.
func ArticleURL(it Item, tmpl string) string {
	tmpl = strings.TrimSpace(tmpl)
	if it.Extra[ExtraKeepURL] != "" && strings.TrimSpace(it.URL) != "" {
		return strings.TrimSpace(it.URL)
	}
	if tmpl == "" || !strings.Contains(tmpl, "{id}") {
		return strings.TrimSpace(it.URL)
	}
	return strings.ReplaceAll(tmpl, "{id}", url.PathEscape(it.ID))
}

// Render produces the outbound payload "{headline}\n{article-url}".
func Render(it Item, opt RenderOptions) string {
	var b strings.Builder
	if p := strings.TrimSpace(opt.Prefix); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(it.Headline))
	if link := ArticleURL(it, opt.ArticleURLTemplate); link != "" {
		b.WriteString("\n")
		b.WriteString(link)
	}
	return b.String()
}
