package converter

import (
	"strings"
	"testing"
)

func testChapter(index int, p, body string) *Chapter {
	return &Chapter{
		ID:         strings.TrimSuffix(p[strings.LastIndex(p, "/")+1:], ".xhtml"),
		Path:       p,
		Index:      index,
		RawContent: chapterXHTML("t", body),
	}
}

func TestProcessor_SubstitutesImages(t *testing.T) {
	pic := &ImageResource{ID: "pic", DataURI: "data:image/png;base64,UElD"}
	svg := &ImageResource{ID: "svg", DataURI: "data:image/jpeg;base64,U1ZH"}
	images := ImageMap{
		"OEBPS/images/pic.png": pic,
		"pic.png":              pic,
		"OEBPS/images/bg.jpg":  svg,
	}
	ch := testChapter(0, "OEBPS/text/c1.xhtml", `
<p><img src="../images/pic.png" alt="a"/></p>
<p><img src="../images/missing.png" alt="b"/></p>
<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink" width="10" height="10">
  <image xlink:href="../images/bg.jpg" width="10" height="10"/>
</svg>
<svg xmlns="http://www.w3.org/2000/svg"><image href="pic.png"/></svg>
<div style="background: url('../images/pic.png')">x</div>`)

	p := NewProcessor(images, []*Chapter{ch}, nil)
	if err := p.Process(ch); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	out := ch.ProcessedContent

	if !strings.Contains(out, `<img src="data:image/png;base64,UElD" alt="a"/>`) {
		t.Errorf("img not substituted:\n%s", out)
	}
	if !strings.Contains(out, `src="../images/missing.png"`) {
		t.Errorf("unresolved reference should be left untouched:\n%s", out)
	}
	if !strings.Contains(out, `xlink:href="data:image/jpeg;base64,U1ZH"`) {
		t.Errorf("svg xlink:href not substituted:\n%s", out)
	}
	if !strings.Contains(out, `href="data:image/png;base64,UElD"`) {
		t.Errorf("svg href not substituted by filename:\n%s", out)
	}
	if !strings.Contains(out, `url(&#34;data:image/png;base64,UElD&#34;)`) {
		t.Errorf("style url() not substituted:\n%s", out)
	}
	if strings.Contains(out, "<body") || strings.Contains(out, "<head") {
		t.Errorf("ProcessedContent should be body markup only:\n%s", out)
	}
}

func TestProcessor_NamespacesIDsAndLinks(t *testing.T) {
	c1 := testChapter(0, "OEBPS/text/c1.xhtml", `
<h1 id="top">One</h1>
<a href="#top">self</a>
<a href="c2.xhtml">next</a>
<a href="c2.xhtml#sec">section</a>
<a href="../other/c2.xhtml#sec">by name</a>
<a href="https://example.com/#x">external</a>
<a href="unknown.xhtml#y">unknown</a>`)
	c2 := testChapter(1, "OEBPS/text/c2.xhtml", `<h2 id="sec">Two</h2>`)

	p := NewProcessor(nil, []*Chapter{c1, c2}, nil)
	for _, ch := range []*Chapter{c1, c2} {
		if err := p.Process(ch); err != nil {
			t.Fatalf("Process(%s) error = %v", ch.ID, err)
		}
	}

	for _, want := range []string{
		`<h1 id="ch01-top">`,
		`<a href="#ch01-top">self</a>`,
		`<a href="#ch02">next</a>`,
		`<a href="#ch02-sec">section</a>`,
		`<a href="#ch02-sec">by name</a>`,
		`<a href="https://example.com/#x">external</a>`,
		`<a href="unknown.xhtml#y">unknown</a>`,
	} {
		if !strings.Contains(c1.ProcessedContent, want) {
			t.Errorf("missing %s in:\n%s", want, c1.ProcessedContent)
		}
	}
	if !strings.Contains(c2.ProcessedContent, `<h2 id="ch02-sec">`) {
		t.Errorf("c2 id not namespaced:\n%s", c2.ProcessedContent)
	}
}

func TestProcessor_Idempotent(t *testing.T) {
	images := ImageMap{"OEBPS/img/a.png": {DataURI: "data:image/png;base64,QQ=="}}
	ch := testChapter(0, "OEBPS/c.xhtml", `<p id="p1" onclick="x()">a <img src="img/a.png"/></p><script>alert(1)</script>`)
	p := NewProcessor(images, []*Chapter{ch}, nil)

	if err := p.Process(ch); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	first := ch.ProcessedContent
	if err := p.Process(ch); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if ch.ProcessedContent != first {
		t.Errorf("second run differs:\n%s\n---\n%s", first, ch.ProcessedContent)
	}
	if strings.Contains(first, "<script") || strings.Contains(first, "onclick") {
		t.Errorf("active content survived:\n%s", first)
	}
}

func TestProcessor_BodyAttrsAndInlineStyles(t *testing.T) {
	ch := &Chapter{
		ID:    "c",
		Path:  "c.xhtml",
		Index: 0,
		RawContent: `<html lang="ja" dir="rtl"><head><style>#x { color: red }</style></head>
<body class="vrtl"><p>x</p></body></html>`,
	}
	if err := NewProcessor(nil, []*Chapter{ch}, nil).Process(ch); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := map[string]string{"class": "vrtl", "lang": "ja", "dir": "rtl"}
	for k, v := range want {
		if ch.BodyAttrs[k] != v {
			t.Errorf("BodyAttrs[%s] = %q, want %q", k, ch.BodyAttrs[k], v)
		}
	}
	if len(ch.InlineStyles) != 1 || ch.InlineStyles[0] != "#x { color: red }" {
		t.Errorf("InlineStyles = %q", ch.InlineStyles)
	}
}

func TestProcessor_DetachedChapterKeepsIDs(t *testing.T) {
	ch := testChapter(-1, "OEBPS/c.xhtml", `<p id="keep"><a href="#keep">k</a></p>`)
	if err := NewProcessor(nil, nil, nil).Process(ch); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.Contains(ch.ProcessedContent, `id="keep"`) || !strings.Contains(ch.ProcessedContent, `href="#keep"`) {
		t.Errorf("chapter without an index should not be namespaced:\n%s", ch.ProcessedContent)
	}
}

func TestSanitizeFragmentForHTMLID(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"plain":     "plain",
		"has space": "has+space",
		`q"uote`:    "q%22uote",
		"日本":        "%E6%97%A5%E6%9C%AC",
		"a<b>":      "a%3Cb%3E",
	}
	for in, want := range tests {
		if got := sanitizeFragmentForHTMLID(in); got != want {
			t.Errorf("sanitizeFragmentForHTMLID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlainTextContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "document",
			raw:  chapterXHTML("Title", "<p>one\n  two</p><style>p{}</style><div>3 &lt; 4</div>"),
			want: "<p>one two</p><p>3 &lt; 4</p>",
		},
		{
			name: "fragment",
			raw:  "<p>loose</p>",
			want: "<p>loose</p>",
		},
		{
			name: "empty body",
			raw:  chapterXHTML("Title", ""),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plainTextContent(tt.raw); got != tt.want {
				t.Errorf("plainTextContent() = %q, want %q", got, tt.want)
			}
		})
	}
}
