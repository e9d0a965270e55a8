package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NCX represents the parsed navigation control structure from NCX or NAV document.
type NCX struct {
	UID       string
	DocTitle  string
	Source    string // "ncx" or "nav"
	NavPoints []NavPoint
}

// NavPoint represents a single navigation point in the table of contents.
type NavPoint struct {
	ID          string
	PlayOrder   int
	Label       string
	ContentPath string // fragment-free, absolute path within EPUB
	Fragment    string // fragment identifier (without #)
	Children    []NavPoint
}

type ncxDocument struct {
	XMLName xml.Name `xml:"ncx"`
	Head    struct {
		Meta []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"head"`
	DocTitle struct {
		Text string `xml:"text"`
	} `xml:"docTitle"`
	NavMap struct {
		NavPoints []ncxNavPoint `xml:"navPoint"`
	} `xml:"navMap"`
}

type ncxNavPoint struct {
	ID        string `xml:"id,attr"`
	PlayOrder string `xml:"playOrder,attr"`
	Label     struct {
		Text string `xml:"text"`
	} `xml:"navLabel"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []ncxNavPoint `xml:"navPoint"`
}

// ParseNCX parses an EPUB 2 NCX document located at ncxPath.
func ParseNCX(data []byte, ncxPath string) (*NCX, error) {
	var doc ncxDocument
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse NCX: %w", err)
	}

	ncx := &NCX{
		DocTitle: strings.TrimSpace(doc.DocTitle.Text),
		Source:   "ncx",
	}
	for _, m := range doc.Head.Meta {
		if m.Name == "dtb:uid" {
			ncx.UID = strings.TrimSpace(m.Content)
		}
	}
	ncx.NavPoints = convertNCXPoints(doc.NavMap.NavPoints, BaseDir(ncxPath))
	return ncx, nil
}

func convertNCXPoints(points []ncxNavPoint, dir string) []NavPoint {
	if len(points) == 0 {
		return nil
	}
	out := make([]NavPoint, 0, len(points))
	for _, p := range points {
		order, _ := strconv.Atoi(strings.TrimSpace(p.PlayOrder))
		contentPath, fragment := resolveReference(dir, p.Content.Src)
		out = append(out, NavPoint{
			ID:          p.ID,
			PlayOrder:   order,
			Label:       strings.Join(strings.Fields(p.Label.Text), " "),
			ContentPath: contentPath,
			Fragment:    fragment,
			Children:    convertNCXPoints(p.Children, dir),
		})
	}
	return out
}

// ParseNav parses an EPUB 3 navigation document located at navPath.
// The nav with epub:type="toc" is used; any nav is accepted when none is typed.
func ParseNav(data []byte, navPath string) (*NCX, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nav document: %w", err)
	}

	navs := doc.Find("nav")
	toc := navs.FilterFunction(func(_ int, s *goquery.Selection) bool {
		epubType, _ := s.Attr("epub:type")
		for _, t := range strings.Fields(epubType) {
			if t == "toc" {
				return true
			}
		}
		return false
	})
	if toc.Length() == 0 {
		toc = navs
	}

	ncx := &NCX{
		DocTitle: strings.TrimSpace(doc.Find("title").First().Text()),
		Source:   "nav",
	}
	if toc.Length() == 0 {
		return ncx, nil
	}

	dir := BaseDir(navPath)
	order := 0
	var walk func(ol *goquery.Selection) []NavPoint
	walk = func(ol *goquery.Selection) []NavPoint {
		var points []NavPoint
		ol.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			order++
			np := NavPoint{PlayOrder: order}
			if a := li.ChildrenFiltered("a").First(); a.Length() > 0 {
				np.Label = strings.Join(strings.Fields(a.Text()), " ")
				href, _ := a.Attr("href")
				np.ContentPath, np.Fragment = resolveReference(dir, href)
				np.ID, _ = a.Attr("id")
			} else {
				np.Label = strings.Join(strings.Fields(li.ChildrenFiltered("span").First().Text()), " ")
			}
			np.Children = walk(li.ChildrenFiltered("ol").First())
			points = append(points, np)
		})
		return points
	}
	ncx.NavPoints = walk(toc.First().Find("ol").First())
	return ncx, nil
}

// LoadNavigation loads the table of contents declared by the package.
// EPUB 3 packages prefer the nav document; others prefer the NCX. Each falls
// back to the other. A package without either returns (nil, nil).
func LoadNavigation(a Archive, p *Package) (*NCX, error) {
	loaders := []func() (*NCX, error){
		func() (*NCX, error) { return loadNCX(a, p) },
		func() (*NCX, error) { return loadNav(a, p) },
	}
	if strings.HasPrefix(p.Version, "3") {
		loaders[0], loaders[1] = loaders[1], loaders[0]
	}

	var firstErr error
	for _, load := range loaders {
		ncx, err := load()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ncx != nil && len(ncx.NavPoints) > 0 {
			return ncx, nil
		}
	}
	return nil, firstErr
}

func loadNCX(a Archive, p *Package) (*NCX, error) {
	item, ok := p.NCXItem()
	if !ok {
		for _, it := range p.Manifest.Items() {
			if it.MediaType == "application/x-dtbncx+xml" {
				item, ok = it, true
				break
			}
		}
	}
	if !ok {
		return nil, nil
	}
	ncxPath := p.Manifest.ResolveHref(item.Href)
	data, err := a.ReadFile(ncxPath)
	if err != nil {
		return nil, err
	}
	return ParseNCX(data, ncxPath)
}

func loadNav(a Archive, p *Package) (*NCX, error) {
	item, ok := p.NavItem()
	if !ok {
		return nil, nil
	}
	navPath := p.Manifest.ResolveHref(item.Href)
	data, err := a.ReadFile(navPath)
	if err != nil {
		return nil, err
	}
	return ParseNav(data, navPath)
}

// resolveReference resolves a navigation src against dir and splits off the fragment.
func resolveReference(dir, src string) (string, string) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", ""
	}
	if u, err := url.Parse(src); err == nil && u.IsAbs() {
		return "", ""
	}
	p, fragment := splitFragment(src)
	if p == "" {
		return "", fragment
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	return path.Clean(path.Join(dir, p)), fragment
}

// splitFragment splits a source path into the path and fragment identifier.
func splitFragment(src string) (path, fragment string) {
	if src == "" {
		return "", ""
	}
	parts := strings.SplitN(src, "#", 2)
	path = parts[0]
	if len(parts) == 2 {
		fragment = parts[1]
	}
	return path, fragment
}
