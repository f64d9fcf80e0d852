package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/hpungsan/gather/internal/config"
	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/fetch"
	"github.com/hpungsan/gather/internal/item"
)

func init() {
	Register("web", newWeb)
}

// webSource fetches configured page URLs and extracts title and
// readable text. The item ID is the page's canonical URL, so the same
// article reached through different redirects dedups to one record.
type webSource struct {
	name     string
	urls     []string
	maxItems int
	client   *fetch.Client
	log      zerolog.Logger
}

func newWeb(cfg config.Source, client *fetch.Client, log zerolog.Logger) (Source, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.NewConfigf("source %q: web sources need at least one url", cfg.Name)
	}
	return &webSource{
		name:     cfg.Name,
		urls:     cfg.URLs,
		maxItems: cfg.MaxItems,
		client:   client,
		log:      log.With().Str("source", cfg.Name).Logger(),
	}, nil
}

func (s *webSource) Name() string { return s.name }
func (s *webSource) Type() string { return "web" }

func (s *webSource) ListCandidates(ctx context.Context, since *time.Time) ([]item.CandidateItem, error) {
	var items []item.CandidateItem
	var failures int

	for _, rawURL := range s.urls {
		if s.maxItems > 0 && len(items) >= s.maxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return items, errors.NewTransient("listing canceled", err)
		}

		it, err := s.fetchPage(ctx, rawURL)
		if err != nil {
			failures++
			s.log.Warn().Str("url", rawURL).Err(err).Msg("page fetch failed")
			continue
		}
		if since != nil && it.CreatedAt != nil && it.CreatedAt.Before(*since) {
			continue
		}
		items = append(items, *it)
	}

	if failures > 0 && len(items) == 0 {
		return nil, errors.NewTransient(
			fmt.Sprintf("all %d page fetches failed for source %s", failures, s.name), nil)
	}
	return items, nil
}

func (s *webSource) fetchPage(ctx context.Context, rawURL string) (*item.CandidateItem, error) {
	resp, err := s.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, errors.NewPermanent(fmt.Sprintf("unparseable HTML from %s", rawURL), err)
	}

	id := canonicalURL(doc, resp.FinalURL)
	it := &item.CandidateItem{
		SourceType: "web",
		SourceName: s.name,
		ItemID:     id,
		URL:        id,
		Title:      pageTitle(doc, id),
		Body:       readableText(doc),
		CreatedAt:  publishedAt(doc),
	}
	return it, nil
}

// canonicalURL prefers the page's declared canonical link over the URL
// we happened to arrive at.
func canonicalURL(doc *goquery.Document, finalURL string) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" && strings.HasPrefix(href, "http") {
			return href
		}
	}
	return finalURL
}

func pageTitle(doc *goquery.Document, fallback string) string {
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return fallback
}

// readableText extracts the prose of a page: boilerplate containers are
// dropped, and an <article> or <main> element wins over the full body
// when present.
func readableText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	text := root.Text()
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

func publishedAt(doc *goquery.Document) *time.Time {
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
	} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			for _, layout := range []string{time.RFC3339, "2006-01-02"} {
				if at, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return &at
				}
			}
		}
	}
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if at, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return &at
			}
		}
	}
	return nil
}

// ApplyAction is a no-op surface for web pages; nothing mutates a
// remote site. Every action name is therefore unknown.
func (s *webSource) ApplyAction(ctx context.Context, action string, it item.CandidateItem) error {
	return errors.NewPermanent(
		fmt.Sprintf("source %s: unknown action %q for web items", s.name, action), nil)
}
