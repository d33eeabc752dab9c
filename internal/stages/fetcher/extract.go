package fetcher

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"golang.org/x/net/html"
)

var (
	noiseSelector    = "script, style, noscript, nav, header, footer, aside, iframe"
	contentSelectors = []string{"article", "main", `[role="main"]`, ".content", ".post-content", "#content"}
	imageAttrs       = []string{"src", "data-src", "data-original"}
	imageExtensions  = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg"}
	imageNoise       = []string{"1x1", "pixel", "tracker", "beacon", "icon", "favicon", "logo", "blank.gif", "transparent.png"}
)

type page struct {
	doc  *goquery.Document
	base *url.URL
}

func (p *page) toDocument(rawURL string, opts models.FetchOptions) *models.Document {
	title := extractTitle(p.doc)
	metadata := extractMetadata(p.doc)

	images := []string{}
	if opts.ExtractImages {
		images = extractImages(p.doc, p.base)
	}
	links := []string{}
	if opts.ExtractLinks {
		links = extractLinks(p.doc, p.base)
	}

	// content extraction removes noise nodes, so it runs last
	content := extractContent(p.doc)

	return &models.Document{
		URL:       rawURL,
		Title:     title,
		Content:   content,
		Images:    images,
		Links:     links,
		Metadata:  metadata,
		FetchedAt: time.Now().UTC(),
	}
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := metaContent(doc, `meta[property="og:title"]`); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return "Untitled"
}

func extractContent(doc *goquery.Document) string {
	doc.Find(noiseSelector).Remove()

	var main *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			main = s
			break
		}
	}
	if main == nil {
		if body := doc.Find("body"); body.Length() > 0 {
			main = body
		} else {
			main = doc.Selection
		}
	}

	var lines []string
	for _, n := range main.Nodes {
		lines = collectText(n, lines)
	}
	return strings.Join(lines, "\n\n")
}

// collectText appends every non-blank text node under n as its own line
func collectText(n *html.Node, lines []string) []string {
	if n.Type == html.TextNode {
		for _, line := range strings.Split(n.Data, "\n") {
			if line = strings.Join(strings.Fields(line), " "); line != "" {
				lines = append(lines, line)
			}
		}
		return lines
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		lines = collectText(c, lines)
	}
	return lines
}

func extractImages(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	images := []string{}
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		var src string
		for _, attr := range imageAttrs {
			if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
				src = strings.TrimSpace(v)
				break
			}
		}
		if src == "" {
			return
		}
		full, ok := resolve(base, src)
		if !ok || !isContentImage(full) || seen[full] {
			return
		}
		seen[full] = true
		images = append(images, full)
	})
	return images
}

func isContentImage(u string) bool {
	lower := strings.ToLower(u)
	for _, pattern := range imageNoise {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.Contains(lower, "?")
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		full, ok := resolve(base, strings.TrimSpace(href))
		if !ok || seen[full] {
			return
		}
		seen[full] = true
		links = append(links, full)
	})
	return links
}

// resolve makes ref absolute against base and keeps only http(s) results
func resolve(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

func extractMetadata(doc *goquery.Document) map[string]string {
	metadata := make(map[string]string)
	fields := map[string]string{
		"description":  `meta[name="description"]`,
		"author":       `meta[name="author"]`,
		"publish_date": `meta[property="article:published_time"]`,
		"keywords":     `meta[name="keywords"]`,
	}
	for key, sel := range fields {
		if v := metaContent(doc, sel); v != "" {
			metadata[key] = v
		}
	}
	return metadata
}
