package epub

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// opfPackage represents the OPF XML structure.
// Element tags carry no namespace so that producers who drop the dc: or opf:
// prefixes still parse.
type opfPackage struct {
	XMLName  xml.Name    `xml:"package"`
	Version  string      `xml:"version,attr"`
	UniqueID string      `xml:"unique-identifier,attr"`
	Metadata opfMetadata `xml:"metadata"`
	Manifest opfManifest `xml:"manifest"`
	Spine    opfSpine    `xml:"spine"`
	Guide    opfGuide    `xml:"guide"`
}

type opfMetadata struct {
	Title       []opfText `xml:"title"`
	Creator     []opfText `xml:"creator"`
	Language    []opfText `xml:"language"`
	Identifier  []opfText `xml:"identifier"`
	Publisher   []opfText `xml:"publisher"`
	Date        []opfText `xml:"date"`
	Description []opfText `xml:"description"`
	Subject     []opfText `xml:"subject"`
	Rights      []opfText `xml:"rights"`
	Meta        []opfMeta `xml:"meta"`
}

// opfText is a Dublin Core element. Some producers nest markup inside it,
// so the raw inner XML is kept as a fallback for the character data.
type opfText struct {
	Value string `xml:",chardata"`
	Inner string `xml:",innerxml"`
	ID    string `xml:"id,attr"`
	Role  string `xml:"role,attr"`
	Lang  string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
}

// opfMeta represents a meta element (EPUB 2.0 and 3.0)
type opfMeta struct {
	Name     string `xml:"name,attr"`
	Content  string `xml:"content,attr"` // EPUB 2.0: attribute value
	Value    string `xml:",chardata"`    // EPUB 3.0: element text content
	Property string `xml:"property,attr"`
	Refines  string `xml:"refines,attr"`
}

type opfManifest struct {
	Items []opfManifestItem `xml:"item"`
}

type opfManifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type opfSpine struct {
	Toc      string       `xml:"toc,attr"`
	ItemRefs []opfItemRef `xml:"itemref"`
}

type opfItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr"`
}

type opfGuide struct {
	References []opfReference `xml:"reference"`
}

type opfReference struct {
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Href  string `xml:"href,attr"`
}

// ParsePackage parses the package document found at opfPath.
// Manifest hrefs are kept as declared; the document directory becomes the
// manifest base path.
func ParsePackage(content []byte, opfPath string) (*Package, error) {
	var pkg opfPackage
	if err := decodeXML(content, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}

	basePath := BaseDir(normalizePath(opfPath))
	p := &Package{
		Path:     normalizePath(opfPath),
		BasePath: basePath,
		Version:  strings.TrimSpace(pkg.Version),
		Metadata: parseMetadata(&pkg.Metadata, pkg.UniqueID),
		TocID:    strings.TrimSpace(pkg.Spine.Toc),
	}

	items := make([]ManifestItem, 0, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		items = append(items, ManifestItem{
			ID:         id,
			Href:       strings.TrimSpace(item.Href),
			MediaType:  strings.ToLower(strings.TrimSpace(item.MediaType)),
			Properties: strings.Fields(item.Properties),
		})
	}
	p.Manifest = NewManifest(items, basePath)

	for _, itemRef := range pkg.Spine.ItemRefs {
		p.Spine = append(p.Spine, SpineItem{
			IDRef:  strings.TrimSpace(itemRef.IDRef),
			Linear: itemRef.Linear != "no",
		})
	}

	for _, ref := range pkg.Guide.References {
		p.Guide = append(p.Guide, GuideReference{
			Type:  strings.TrimSpace(ref.Type),
			Title: strings.TrimSpace(ref.Title),
			Href:  strings.TrimSpace(ref.Href),
		})
	}

	return p, nil
}

// NCXItem returns the manifest item named by spine@toc.
func (p *Package) NCXItem() (ManifestItem, bool) {
	if p.TocID == "" {
		return ManifestItem{}, false
	}
	return p.Manifest.Get(p.TocID)
}

// NavItem returns the EPUB 3 navigation document item.
func (p *Package) NavItem() (ManifestItem, bool) {
	for _, item := range p.Manifest.Items() {
		if item.HasProperty("nav") {
			return item, true
		}
	}
	return ManifestItem{}, false
}
