package converter

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	xhtml "golang.org/x/net/html"
)

// Processor rewrites chapter markup for the bundle: image references become
// data URIs, element ids are namespaced per chapter and links between
// chapters become in-document fragments.
type Processor struct {
	images  ImageMap
	anchors map[string]string // chapter archive path -> wrapper id
	byName  map[string]string // chapter file name -> wrapper id, first wins
	logger  *zap.Logger
}

// NewProcessor creates a processor for a set of loaded chapters.
func NewProcessor(images ImageMap, chapters []*Chapter, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		images:  images,
		anchors: make(map[string]string, len(chapters)),
		byName:  make(map[string]string, len(chapters)),
		logger:  logger,
	}
	for _, ch := range chapters {
		if ch == nil || ch.Index < 0 {
			continue
		}
		anchor := ch.Anchor()
		if _, ok := p.anchors[ch.Path]; !ok {
			p.anchors[ch.Path] = anchor
		}
		name := path.Base(ch.Path)
		if _, ok := p.byName[name]; !ok {
			p.byName[name] = anchor
		}
	}
	return p
}

// Process sets ch.ProcessedContent from ch.RawContent. The result depends
// only on the raw content and the processor's tables, so processing the
// same chapter twice yields identical output.
func (p *Processor) Process(ch *Chapter) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(ch.RawContent))
	if err != nil {
		return fmt.Errorf("failed to parse chapter %s: %w", ch.Path, err)
	}

	TransformHTML(doc)

	ch.InlineStyles = nil
	doc.Find("head style").Each(func(_ int, s *goquery.Selection) {
		if css := strings.TrimSpace(s.Text()); css != "" {
			ch.InlineStyles = append(ch.InlineStyles, css)
		}
	})
	ch.BodyAttrs = bodyAttrs(doc)

	body := doc.Find("body")
	dir := ch.Dir()
	missing := p.substituteImages(body, dir)
	if missing > 0 {
		p.logger.Debug("unresolved image references",
			zap.String("id", ch.ID), zap.Int("count", missing))
	}

	if ch.Index >= 0 {
		namespaceIDs(body, ch.Anchor())
		p.resolveLinks(body, ch)
	}

	html, err := body.Html()
	if err != nil {
		return fmt.Errorf("failed to render chapter %s: %w", ch.Path, err)
	}
	ch.ProcessedContent = strings.TrimSpace(html)
	return nil
}

// substituteImages rewrites <img src>, SVG <image href|xlink:href> and
// inline style url(...) references. It returns how many references did not
// resolve; those are left unmodified.
func (p *Processor) substituteImages(body *goquery.Selection, dir string) int {
	missing := 0

	body.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if uri, ok := p.images.DataURI(src, dir); ok {
			s.SetAttr("src", uri)
		} else if !strings.HasPrefix(src, "data:") {
			missing++
		}
	})

	// Inside <svg> the parser keeps <image>; xlink:href is stored as the
	// "href" key in the xlink namespace, so both spellings land here.
	body.Find("svg image").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		for i := range node.Attr {
			if node.Attr[i].Key != "href" {
				continue
			}
			if uri, ok := p.images.DataURI(node.Attr[i].Val, dir); ok {
				node.Attr[i].Val = uri
			} else if !strings.HasPrefix(node.Attr[i].Val, "data:") {
				missing++
			}
		}
	})

	resolve := func(ref string) (string, bool) { return p.images.DataURI(ref, dir) }
	body.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if strings.Contains(style, "url(") {
			s.SetAttr("style", InlineCSSURLs(style, resolve))
		}
	})

	return missing
}

// namespaceIDs prefixes every element id with the chapter anchor to avoid
// collisions across chapters.
func namespaceIDs(body *goquery.Selection, anchor string) {
	body.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		origID, _ := s.Attr("id")
		sanitized := sanitizeFragmentForHTMLID(origID)
		if sanitized == "" {
			return
		}
		s.SetAttr("id", anchor+"-"+sanitized)
	})
}

// resolveLinks resolves internal chapter links to fragment identifiers
func (p *Processor) resolveLinks(body *goquery.Selection, ch *Chapter) {
	anchor := ch.Anchor()
	body.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(href)
		if err != nil || u.IsAbs() || u.Host != "" {
			return
		}

		if u.Path == "" {
			if frag := sanitizeFragmentForHTMLID(u.Fragment); frag != "" {
				s.SetAttr("href", "#"+anchor+"-"+frag)
			}
			return
		}

		var target string
		if strings.HasPrefix(u.Path, "/") {
			target = path.Clean(strings.TrimPrefix(u.Path, "/"))
		} else {
			target = path.Clean(path.Join(ch.Dir(), u.Path))
		}
		targetAnchor, ok := p.anchors[target]
		if !ok {
			targetAnchor, ok = p.byName[path.Base(target)]
		}
		if !ok {
			return
		}

		newHref := "#" + targetAnchor
		if frag := sanitizeFragmentForHTMLID(u.Fragment); frag != "" {
			newHref = "#" + targetAnchor + "-" + frag
		}
		s.SetAttr("href", newHref)
	})
}

// bodyAttrs collects the attributes a chapter wrapper inherits from the
// source <body>, falling back to <html> for language and direction.
func bodyAttrs(doc *goquery.Document) map[string]string {
	attrs := make(map[string]string)
	body := doc.Find("body").First()
	root := doc.Find("html").First()
	for _, key := range []string{"class", "dir", "lang", "xml:lang"} {
		if v, ok := body.Attr(key); ok && v != "" {
			attrs[key] = v
		} else if key != "class" {
			if v, ok := root.Attr(key); ok && v != "" {
				attrs[key] = v
			}
		}
	}
	return attrs
}

// sanitizeFragmentForHTMLID sanitizes a URL fragment for use as an HTML ID
// URL-encodes the fragment to ensure HTML attribute safety while preserving all characters
func sanitizeFragmentForHTMLID(fragment string) string {
	if fragment == "" {
		return ""
	}
	return url.QueryEscape(fragment)
}

// plainTextContent renders the body text of raw markup as escaped
// paragraphs, one per block of text. Head, script and style content is
// dropped.
func plainTextContent(raw string) string {
	z := xhtml.NewTokenizer(strings.NewReader(raw))
	var (
		b      strings.Builder
		skip   int
		inBody = !strings.Contains(strings.ToLower(raw), "<body")
	)
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			// io.EOF or a read error; either way the text so far is all there is.
			return b.String()
		case xhtml.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "body":
				inBody = true
			case "head", "script", "style":
				skip++
			}
		case xhtml.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "head", "script", "style":
				if skip > 0 {
					skip--
				}
			}
		case xhtml.TextToken:
			if skip > 0 || !inBody {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			b.WriteString("<p>")
			b.WriteString(html.EscapeString(text))
			b.WriteString("</p>")
		}
	}
}
