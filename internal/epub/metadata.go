package epub

import (
	"html"
	"regexp"
	"strings"
)

var tagRe = regexp.MustCompile(`<[^>]*>`)

// parseMetadata runs one independent extractor per field. An extractor that
// finds nothing leaves the field unset.
func parseMetadata(meta *opfMetadata, uniqueID string) Metadata {
	var md Metadata
	if v, ok := extractTitle(meta); ok {
		md.Title = v
	}
	if v, ok := extractCreator(meta); ok {
		md.Creator = v
	}
	if v, ok := extractPublisher(meta); ok {
		md.Publisher = v
	}
	if v, ok := extractLanguage(meta); ok {
		md.Language = v
	}
	if v, ok := extractIdentifier(meta, uniqueID); ok {
		md.Identifier = v
	}
	if v, ok := firstText(meta.Date); ok {
		md.Date = v
	}
	if v, ok := firstText(meta.Description); ok {
		md.Description = v
	}
	if v, ok := firstText(meta.Rights); ok {
		md.Rights = v
	}
	if v, ok := extractCoverID(meta); ok {
		md.CoverID = v
	}
	md.Subjects = allTexts(meta.Subject)
	md.Creators = extractCreators(meta)
	return md
}

func extractTitle(meta *opfMetadata) (string, bool) {
	if v, ok := firstText(meta.Title); ok {
		return v, true
	}
	return metaProperty(meta, "dcterms:title")
}

func extractCreator(meta *opfMetadata) (string, bool) {
	if v, ok := firstText(meta.Creator); ok {
		return v, true
	}
	return metaProperty(meta, "dcterms:creator")
}

func extractPublisher(meta *opfMetadata) (string, bool) {
	if v, ok := firstText(meta.Publisher); ok {
		return v, true
	}
	return metaProperty(meta, "dcterms:publisher")
}

func extractLanguage(meta *opfMetadata) (string, bool) {
	if v, ok := firstText(meta.Language); ok {
		return v, true
	}
	return metaProperty(meta, "dcterms:language")
}

// extractIdentifier prefers the identifier named by package@unique-identifier.
func extractIdentifier(meta *opfMetadata, uniqueID string) (string, bool) {
	for _, id := range meta.Identifier {
		if uniqueID != "" && id.ID == uniqueID {
			if v := id.text(); v != "" {
				return v, true
			}
		}
	}
	return firstText(meta.Identifier)
}

func extractCoverID(meta *opfMetadata) (string, bool) {
	for _, m := range meta.Meta {
		if m.Name == "cover" && strings.TrimSpace(m.Content) != "" {
			return strings.TrimSpace(m.Content), true
		}
	}
	return "", false
}

// extractCreators keeps every creator, refining roles from EPUB 3.0 meta elements.
func extractCreators(meta *opfMetadata) []Creator {
	creators := make([]Creator, 0, len(meta.Creator))
	byRef := make(map[string]int)
	for _, c := range meta.Creator {
		name := c.text()
		if name == "" {
			continue
		}
		if c.ID != "" {
			byRef["#"+c.ID] = len(creators)
		}
		creators = append(creators, Creator{Name: name, Role: c.Role, Lang: c.Lang})
	}

	for _, m := range meta.Meta {
		if m.Property != "role" || m.Refines == "" {
			continue
		}
		idx, ok := byRef[m.Refines]
		if !ok {
			continue
		}
		// EPUB 3.0 uses chardata (Value), EPUB 2.0 uses content attribute (Content)
		if v := strings.TrimSpace(m.Value); v != "" {
			creators[idx].Role = v
		} else {
			creators[idx].Role = strings.TrimSpace(m.Content)
		}
	}
	return creators
}

func metaProperty(meta *opfMetadata, property string) (string, bool) {
	for _, m := range meta.Meta {
		if m.Property == property && m.Refines == "" {
			if v := strings.TrimSpace(m.Value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func firstText(values []opfText) (string, bool) {
	for _, v := range values {
		if s := v.text(); s != "" {
			return s, true
		}
	}
	return "", false
}

func allTexts(values []opfText) []string {
	var out []string
	for _, v := range values {
		if s := v.text(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (t opfText) text() string {
	if v := strings.TrimSpace(t.Value); v != "" {
		return strings.Join(strings.Fields(v), " ")
	}
	if t.Inner == "" {
		return ""
	}
	stripped := html.UnescapeString(tagRe.ReplaceAllString(t.Inner, " "))
	return strings.Join(strings.Fields(stripped), " ")
}
