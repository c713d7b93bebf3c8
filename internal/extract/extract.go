// Package extract turns fetched PDF bytes and HTML documents into normalized
// plain text.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// DefaultSelectors is the content-region cascade, tried in order.
var DefaultSelectors = []string{
	"#main-content",
	"main article",
	"article",
	".content-area",
	".entry-content",
	"[role='main']",
	"#content",
	".main",
	"content-type-content",
}

// Config tunes extraction.
type Config struct {
	Selectors []string
	// MinChars is the length a region must exceed to be accepted and the
	// length below which the body fallback fails.
	MinChars    int
	Readability bool
}

// Extractor implements pipeline.Extractor.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor, filling defaults for empty settings.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = DefaultSelectors
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = pipeline.DefaultMinContentChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// ExtractPDF concatenates the text of every page that yields any, one page
// per line.
func (e *Extractor) ExtractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = pipeline.NewTargetError(pipeline.ExtractionEmpty,
				fmt.Sprintf("PDF processing error: %v", r), fmt.Errorf("pdf parser panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", pipeline.NewTargetError(pipeline.ExtractionEmpty, "PDF processing error: "+err.Error(), err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Debug("skipping unreadable pdf page", zap.Int("page", i), zap.Error(err))
			continue
		}
		if pageText = strings.TrimSpace(pageText); pageText != "" {
			pages = append(pages, pageText)
		}
	}
	text = strings.TrimSpace(strings.Join(pages, "\n"))
	if text == "" {
		return "", pipeline.NewTargetError(pipeline.ExtractionEmpty, pipeline.ReasonPDFNoText, nil)
	}
	metrics.ObserveExtraction(string(pipeline.SourcePDF), utf8.RuneCountInString(text))
	return text, nil
}

// ExtractHTML returns the text of the first content region longer than the
// minimum, then the readability article when enabled, then the whole body.
func (e *Extractor) ExtractHTML(document string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return "", pipeline.NewTargetError(pipeline.ExtractionEmpty, "Unparseable page", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	for _, selector := range e.cfg.Selectors {
		matched := doc.Find(selector)
		if matched.Length() == 0 {
			continue
		}
		text := VisibleText(matched)
		if utf8.RuneCountInString(text) > e.cfg.MinChars {
			e.logger.Debug("content region matched", zap.String("selector", selector))
			return e.accept(text), nil
		}
	}

	if e.cfg.Readability {
		if text := e.readable(document); utf8.RuneCountInString(text) > e.cfg.MinChars {
			return e.accept(text), nil
		}
	}

	body := VisibleText(doc.Find("body"))
	if body == "" {
		body = VisibleText(doc.Selection)
	}
	if utf8.RuneCountInString(body) < e.cfg.MinChars {
		return "", pipeline.NewTargetError(pipeline.ExtractionEmpty, pipeline.ReasonInsufficientContent, nil)
	}
	return e.accept(body), nil
}

func (e *Extractor) accept(text string) string {
	metrics.ObserveExtraction(string(pipeline.SourceHTML), utf8.RuneCountInString(text))
	return text
}

var readabilityBase = &url.URL{Scheme: "https", Host: "localhost", Path: "/"}

func (e *Extractor) readable(document string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("readability panicked", zap.Any("panic", r))
			text = ""
		}
	}()
	article, err := readability.FromReader(strings.NewReader(document), readabilityBase)
	if err != nil {
		e.logger.Debug("readability failed", zap.Error(err))
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return ""
	}
	return VisibleText(doc.Selection)
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true, "footer": true,
	"form": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true, "ol": true,
	"p": true, "pre": true, "section": true, "table": true, "td": true, "th": true,
	"tr": true, "ul": true,
}

// VisibleText joins the text of every node in sel, separating block elements
// and collapsing whitespace runs to single spaces.
func VisibleText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		writeText(&b, n)
		b.WriteByte(' ')
	}
	return CollapseWhitespace(b.String())
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}

// CollapseWhitespace trims s and replaces every whitespace run with a space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
