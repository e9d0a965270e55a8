package epub

import (
	"errors"
	"reflect"
	"testing"
)

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="uid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="isbn">978-0-00</dc:identifier>
    <dc:identifier id="uid">urn:uuid:1234</dc:identifier>
    <dc:title>  Test   Book </dc:title>
    <dc:creator id="author1">Jane Doe</dc:creator>
    <dc:creator>John Roe</dc:creator>
    <meta refines="#author1" property="role" scheme="marc:relators">aut</meta>
    <dc:publisher>Acme</dc:publisher>
    <dc:language>en</dc:language>
    <dc:subject>Fiction</dc:subject>
    <dc:subject>Testing</dc:subject>
    <meta name="cover" content="cover-img"/>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="ch2" href="text/ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch1" href="text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="cover-img" href="images/cover.jpg" media-type="image/jpeg"/>
    <item id="ch1" href="text/duplicate.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch2"/>
    <itemref idref="ch1" linear="no"/>
    <itemref idref="missing"/>
  </spine>
</package>`

func TestParsePackage(t *testing.T) {
	pkg, err := ParsePackage([]byte(testOPF), "OEBPS/content.opf")
	if err != nil {
		t.Fatalf("ParsePackage() error = %v", err)
	}

	if pkg.BasePath != "OEBPS" {
		t.Errorf("BasePath = %q, want OEBPS", pkg.BasePath)
	}
	if pkg.Version != "3.0" {
		t.Errorf("Version = %q", pkg.Version)
	}
	if pkg.TocID != "ncx" {
		t.Errorf("TocID = %q", pkg.TocID)
	}

	md := pkg.Metadata
	if md.Title != "Test Book" {
		t.Errorf("Title = %q, want %q", md.Title, "Test Book")
	}
	if md.Creator != "Jane Doe" {
		t.Errorf("Creator = %q", md.Creator)
	}
	if md.Publisher != "Acme" || md.Language != "en" {
		t.Errorf("Publisher/Language = %q/%q", md.Publisher, md.Language)
	}
	if md.Identifier != "urn:uuid:1234" {
		t.Errorf("Identifier = %q, want the unique-identifier", md.Identifier)
	}
	if md.CoverID != "cover-img" {
		t.Errorf("CoverID = %q", md.CoverID)
	}
	if !reflect.DeepEqual(md.Subjects, []string{"Fiction", "Testing"}) {
		t.Errorf("Subjects = %v", md.Subjects)
	}
	wantCreators := []Creator{{Name: "Jane Doe", Role: "aut"}, {Name: "John Roe"}}
	if !reflect.DeepEqual(md.Creators, wantCreators) {
		t.Errorf("Creators = %+v, want %+v", md.Creators, wantCreators)
	}

	if got := pkg.SpineIDs(); !reflect.DeepEqual(got, []string{"ch2", "ch1", "missing"}) {
		t.Errorf("SpineIDs() = %v", got)
	}
	if pkg.Spine[1].Linear {
		t.Error("Spine[1].Linear = true, want false")
	}

	if pkg.Manifest.Len() != 4 {
		t.Fatalf("Manifest.Len() = %d, want 4 (duplicate id dropped)", pkg.Manifest.Len())
	}
	ch1, ok := pkg.Manifest.Get("ch1")
	if !ok || ch1.Href != "text/ch1.xhtml" {
		t.Errorf("Get(ch1) = %+v, %v", ch1, ok)
	}
	if got := pkg.Manifest.ResolveHref(ch1.Href); got != "OEBPS/text/ch1.xhtml" {
		t.Errorf("ResolveHref() = %q", got)
	}
	if nav, ok := pkg.NavItem(); !ok || nav.ID != "nav" {
		t.Errorf("NavItem() = %+v, %v", nav, ok)
	}
}

func TestParsePackage_ManifestOrder(t *testing.T) {
	pkg, err := ParsePackage([]byte(testOPF), "content.opf")
	if err != nil {
		t.Fatalf("ParsePackage() error = %v", err)
	}
	var ids []string
	for _, item := range pkg.Manifest.Items() {
		ids = append(ids, item.ID)
	}
	want := []string{"nav", "ch2", "ch1", "cover-img"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("manifest order = %v, want %v", ids, want)
	}
	if pkg.BasePath != "" {
		t.Errorf("BasePath = %q, want empty for a root package", pkg.BasePath)
	}
}

func TestParsePackage_MetadataBestEffort(t *testing.T) {
	tests := []struct {
		name string
		opf  string
		want Metadata
	}{
		{
			name: "no metadata block",
			opf:  `<package><manifest/><spine/></package>`,
			want: Metadata{Creators: []Creator{}},
		},
		{
			name: "unprefixed elements",
			opf:  `<package><metadata><title>Plain</title><language>fr</language></metadata></package>`,
			want: Metadata{Title: "Plain", Language: "fr", Creators: []Creator{}},
		},
		{
			name: "nested markup in title",
			opf: `<package xmlns:dc="http://purl.org/dc/elements/1.1/"><metadata>
  <dc:title><span>Nested</span> <b>Title</b></dc:title></metadata></package>`,
			want: Metadata{Title: "Nested Title", Creators: []Creator{}},
		},
		{
			name: "EPUB 3 dcterms meta fallback",
			opf: `<package><metadata>
  <meta property="dcterms:title">Meta Title</meta>
  <meta property="dcterms:publisher">Meta Pub</meta></metadata></package>`,
			want: Metadata{Title: "Meta Title", Publisher: "Meta Pub", Creators: []Creator{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := ParsePackage([]byte(tt.opf), "content.opf")
			if err != nil {
				t.Fatalf("ParsePackage() error = %v", err)
			}
			if !reflect.DeepEqual(pkg.Metadata, tt.want) {
				t.Errorf("Metadata = %+v, want %+v", pkg.Metadata, tt.want)
			}
		})
	}
}

func TestParsePackage_Malformed(t *testing.T) {
	_, err := ParsePackage([]byte("<package><manifest>"), "content.opf")
	if !errors.Is(err, ErrMalformedPackage) {
		t.Fatalf("ParsePackage() error = %v, want ErrMalformedPackage", err)
	}
}

func TestManifest_Empty(t *testing.T) {
	m := NewManifest(nil, "OEBPS")
	if m.Len() != 0 {
		t.Errorf("Len() = %d", m.Len())
	}
	if _, ok := m.Get("x"); ok {
		t.Error("Get() on empty manifest returned ok")
	}
}

func TestManifest_ByPath(t *testing.T) {
	m := NewManifest([]ManifestItem{
		{ID: "a", Href: "text/a.xhtml"},
		{ID: "b", Href: "../shared/b.css"},
	}, "OEBPS")

	if item, ok := m.ByPath("OEBPS/text/a.xhtml"); !ok || item.ID != "a" {
		t.Errorf("ByPath(a) = %+v, %v", item, ok)
	}
	if item, ok := m.ByPath("shared/b.css"); !ok || item.ID != "b" {
		t.Errorf("ByPath(b) = %+v, %v", item, ok)
	}
}

func TestManifest_ResolveHrefUnescapes(t *testing.T) {
	m := NewManifest([]ManifestItem{
		{ID: "c1", Href: "text/ch%201.xhtml#top"},
		{ID: "bad", Href: "text/100%.xhtml"},
	}, "OEBPS")

	tests := []struct {
		href string
		want string
	}{
		{"text/ch%201.xhtml#top", "OEBPS/text/ch 1.xhtml"},
		{"text/%E7%AB%A0.xhtml", "OEBPS/text/章.xhtml"},
		{"text/100%.xhtml", "OEBPS/text/100%.xhtml"},
	}
	for _, tt := range tests {
		if got := m.ResolveHref(tt.href); got != tt.want {
			t.Errorf("ResolveHref(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}

	for _, p := range []string{"OEBPS/text/ch 1.xhtml", "OEBPS/text/ch%201.xhtml"} {
		if item, ok := m.ByPath(p); !ok || item.ID != "c1" {
			t.Errorf("ByPath(%q) = %+v, %v", p, item, ok)
		}
	}
}
