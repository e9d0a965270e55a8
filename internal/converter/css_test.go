package converter

import (
	"reflect"
	"strings"
	"testing"
)

func TestNamespaceIDSelectors(t *testing.T) {
	tests := []struct {
		name      string
		chapterID string
		css       string
		want      string
	}{
		{
			name:      "single ID selector",
			chapterID: "ch01",
			css:       "#cover { width: 100% }",
			want:      "#ch01-cover { width: 100% }",
		},
		{
			name:      "multiple ID selectors",
			chapterID: "ch01",
			css:       "#intro, #outro { color: red }",
			want:      "#ch01-intro, #ch01-outro { color: red }",
		},
		{
			name:      "class selector not transformed",
			chapterID: "ch01",
			css:       ".myclass { font-size: 12px }",
			want:      ".myclass { font-size: 12px }",
		},
		{
			name:      "ID selector with class descendant",
			chapterID: "ch01",
			css:       "#header .content { margin: 0 }",
			want:      "#ch01-header .content { margin: 0 }",
		},
		{
			name:      "color codes not affected",
			chapterID: "ch01",
			css:       "h1 { color: #333; background: #ff0000 }",
			want:      "h1 { color: #333; background: #ff0000 }",
		},
		{
			name:      "ID selector with color code in same rule",
			chapterID: "ch02",
			css:       "#title { color: #333 }",
			want:      "#ch02-title { color: #333 }",
		},
		{
			name:      "selector inside media block",
			chapterID: "ch03",
			css:       "@media screen { #note { color: #fff } }",
			want:      "@media screen { #ch03-note { color: #fff } }",
		},
		{
			name:      "comments and strings untouched",
			chapterID: "ch01",
			css:       `/* #old */ p::before { content: "#x" } #new {}`,
			want:      `/* #old */ p::before { content: "#x" } #ch01-new {}`,
		},
		{
			name:      "numeric fragment is not an ID selector",
			chapterID: "ch01",
			css:       "#1abc { color: red }",
			want:      "#1abc { color: red }",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := namespaceIDSelectors(tt.chapterID, tt.css); got != tt.want {
				t.Errorf("namespaceIDSelectors() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInlineCSSURLs(t *testing.T) {
	resolve := func(ref string) (string, bool) {
		if ref == "bg.png" || ref == "../img/b.png" {
			return "data:image/png;base64,AA", true
		}
		return "", false
	}

	tests := []struct {
		css  string
		want string
	}{
		{`div { background: url(bg.png) }`, `div { background: url("data:image/png;base64,AA") }`},
		{`div { background: url( '../img/b.png' ) }`, `div { background: url("data:image/png;base64,AA") }`},
		{`div { background: url("other.png") }`, `div { background: url("other.png") }`},
		{`div { background: url(data:image/gif;base64,R0) }`, `div { background: url(data:image/gif;base64,R0) }`},
		{`div { filter: url(#blur) }`, `div { filter: url(#blur) }`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := InlineCSSURLs(tt.css, resolve); got != tt.want {
			t.Errorf("InlineCSSURLs(%q) = %q, want %q", tt.css, got, tt.want)
		}
	}

	if got := InlineCSSURLs("a { b: url(bg.png) }", nil); got != "a { b: url(bg.png) }" {
		t.Errorf("nil resolver changed css: %q", got)
	}
}

func TestStripImports(t *testing.T) {
	css := `@import url("base.css");
@import 'print.css' print;
@IMPORT url(fonts.css);
body { margin: 0 }`

	out, refs := StripImports(css)
	want := []string{"base.css", "print.css", "fonts.css"}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("refs = %v, want %v", refs, want)
	}
	if strings.Contains(strings.ToLower(out), "@import") {
		t.Errorf("import rules left in output: %q", out)
	}
	if !strings.Contains(out, "body { margin: 0 }") {
		t.Errorf("rules lost: %q", out)
	}
}

func TestEscapeStyleText(t *testing.T) {
	got := escapeStyleText(`p::after { content: "</style><script>" }`)
	if strings.Contains(got, "</style") {
		t.Errorf("escapeStyleText() = %q", got)
	}
}
