package converter

import (
	"regexp"
	"strings"
)

// cssIDSelectorRe matches CSS ID selectors (e.g., #cover, #intro)
// Only matches identifiers starting with a letter or underscore
var cssIDSelectorRe = regexp.MustCompile(`#([a-zA-Z_][a-zA-Z0-9_-]*)`)

// cssURLRe matches url(...) tokens with optional quotes.
var cssURLRe = regexp.MustCompile(`url\(\s*(?:"([^"]*)"|'([^']*)'|([^)'"\s]*))\s*\)`)

// cssImportRe matches @import rules that pull in another stylesheet.
var cssImportRe = regexp.MustCompile(`(?i)@import\s+(?:url\()?\s*["']?([^"')\s;]+)["']?\s*\)?[^;]*;`)

// URLResolver maps a reference found in a stylesheet to a data URI.
type URLResolver func(ref string) (string, bool)

// InlineCSSURLs replaces every url(...) whose reference the resolver knows
// with a quoted data URI. Other references are left untouched.
func InlineCSSURLs(css string, resolve URLResolver) string {
	if css == "" || resolve == nil {
		return css
	}
	return cssURLRe.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLRe.FindStringSubmatch(match)
		ref := m[1] + m[2] + m[3]
		if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
			return match
		}
		uri, ok := resolve(ref)
		if !ok {
			return match
		}
		return `url("` + uri + `")`
	})
}

// StripImports removes @import rules and returns the imported references in
// source order so the caller can inline them.
func StripImports(css string) (string, []string) {
	var refs []string
	out := cssImportRe.ReplaceAllStringFunc(css, func(match string) string {
		m := cssImportRe.FindStringSubmatch(match)
		refs = append(refs, m[1])
		return ""
	})
	return out, refs
}

// escapeStyleText keeps stylesheet text from closing its <style> element.
func escapeStyleText(css string) string {
	return strings.ReplaceAll(css, "</style", `<\/style`)
}

// namespaceIDSelectors replaces ID selectors outside CSS {} blocks
func namespaceIDSelectors(chapterID, css string) string {
	var result strings.Builder
	blockStack := make([]string, 0, 8) // "at-rule" or "decl"
	inComment := false
	inString := byte(0)
	escapeNext := false
	atStatementStart := true
	inAtRulePrelude := false
	i := 0
	for i < len(css) {
		ch := css[i]

		if inComment {
			if ch == '*' && i+1 < len(css) && css[i+1] == '/' {
				inComment = false
				result.WriteString("*/")
				i += 2
				continue
			}
			result.WriteByte(ch)
			i++
			continue
		}

		if inString != 0 {
			result.WriteByte(ch)
			switch {
			case escapeNext:
				escapeNext = false
			case ch == '\\':
				escapeNext = true
			case ch == inString:
				inString = 0
			}
			i++
			continue
		}

		if ch == '/' && i+1 < len(css) && css[i+1] == '*' {
			inComment = true
			result.WriteString("/*")
			i += 2
			continue
		}

		if ch == '"' || ch == '\'' {
			inString = ch
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '@' && atStatementStart {
			inAtRulePrelude = true
			atStatementStart = false
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '{' {
			if inAtRulePrelude {
				blockStack = append(blockStack, "at-rule")
				inAtRulePrelude = false
			} else {
				blockStack = append(blockStack, "decl")
			}
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '}' {
			if len(blockStack) > 0 {
				blockStack = blockStack[:len(blockStack)-1]
			}
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == ';' {
			inAtRulePrelude = false
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '#' {
			insideDecl := len(blockStack) > 0 && blockStack[len(blockStack)-1] == "decl"
			if !insideDecl && !inAtRulePrelude {
				if loc := cssIDSelectorRe.FindStringSubmatchIndex(css[i:]); loc != nil && loc[0] == 0 {
					result.WriteString("#" + chapterID + "-" + css[i+loc[2]:i+loc[3]])
					i += loc[1]
					atStatementStart = false
					continue
				}
			}
		}

		if !isCSSWhitespace(ch) {
			atStatementStart = false
		}
		result.WriteByte(ch)
		i++
	}
	return result.String()
}

func isCSSWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' || ch == '\f'
}
