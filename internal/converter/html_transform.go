package converter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// strippedElements are removed together with their content. A bundle must
// render without executing or fetching anything.
var strippedElements = "script, iframe, embed, base"

// forbiddenAttrs lists attributes that should be removed from all elements.
var forbiddenAttrs = map[string]bool{
	"contenteditable": true,
	"draggable":       true,
	"spellcheck":      true,
}

// urlAttrs may carry a javascript: URL.
var urlAttrs = []string{"href", "src", "action", "formaction"}

// TransformHTML strips active content from a chapter document: script-like
// elements, inline event handlers, javascript: URLs and editing attributes.
func TransformHTML(doc *goquery.Document) {
	doc.Find(strippedElements).Remove()

	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Get(0)
		var toRemove []string
		for _, attr := range node.Attr {
			key := strings.ToLower(attr.Key)
			if forbiddenAttrs[key] || strings.HasPrefix(key, "on") {
				toRemove = append(toRemove, attr.Key)
			}
		}
		for _, key := range toRemove {
			s.RemoveAttr(key)
		}
		for _, key := range urlAttrs {
			if v, ok := s.Attr(key); ok && isScriptURL(v) {
				s.SetAttr(key, "#")
			}
		}
	})
}

func isScriptURL(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}
