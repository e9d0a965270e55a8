package epub

// Package represents the parsed Open Package Format document
type Package struct {
	Path     string // archive path of the package document
	BasePath string // directory of the package document, "" at the archive root
	Version  string
	Metadata Metadata
	Manifest *Manifest
	Spine    []SpineItem
	Guide    []GuideReference
	TocID    string // spine@toc, the NCX manifest id
}

// Metadata represents the metadata section of the OPF.
// Every field is optional; absent nodes leave the zero value.
type Metadata struct {
	Title       string
	Creator     string // first creator, for display
	Creators    []Creator
	Publisher   string
	Language    string
	Identifier  string
	Date        string
	Description string
	Subjects    []string
	Rights      string
	CoverID     string // EPUB 2.0 cover image manifest item ID (from meta name="cover")
}

// Creator represents a creator (author, editor, etc.) of the book
type Creator struct {
	Name string
	Role string // e.g., "aut" for author, "edt" for editor
	Lang string // xml:lang attribute
}

// ManifestItem represents an item in the manifest.
// Href is kept as declared, relative to the package document.
type ManifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties []string
}

// HasProperty reports whether the item declares the given property.
func (m ManifestItem) HasProperty(prop string) bool {
	for _, p := range m.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// SpineItem represents an item reference in the spine
type SpineItem struct {
	IDRef  string
	Linear bool
}

// GuideReference represents an EPUB 2.0 guide reference.
type GuideReference struct {
	Type  string
	Title string
	Href  string
}

// SpineIDs returns the spine idrefs in declared order.
func (p *Package) SpineIDs() []string {
	ids := make([]string, len(p.Spine))
	for i, s := range p.Spine {
		ids[i] = s.IDRef
	}
	return ids
}
