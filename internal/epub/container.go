package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"golang.org/x/net/html/charset"
)

// ContainerPath is the reserved location of the pointer file.
const ContainerPath = "META-INF/container.xml"

const packageMediaType = "application/oebps-package+xml"

// container.xml structure
type container struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath  string `xml:"full-path,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

// ResolveContainer reads the pointer file and returns the archive path of the
// package document.
func ResolveContainer(a Archive) (string, error) {
	if !a.Has(ContainerPath) {
		return "", ErrMalformedContainer
	}

	content, err := a.ReadFile(ContainerPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	var c container
	if err := decodeXML(content, &c); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}

	opfPath := ""
	for _, rf := range c.Rootfiles.Rootfile {
		fullPath := strings.TrimSpace(rf.FullPath)
		if fullPath == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rf.MediaType), packageMediaType) {
			opfPath = fullPath
			break
		}
		// If no media-type match, use the first one
		if opfPath == "" {
			opfPath = fullPath
		}
	}
	if opfPath == "" {
		return "", fmt.Errorf("%w: no rootfile with a full-path", ErrMalformedContainer)
	}

	opfPath = normalizePath(opfPath)
	if !a.Has(opfPath) {
		return "", fmt.Errorf("%w: %s", ErrMissingPackageDocument, opfPath)
	}
	return opfPath, nil
}

// BaseDir returns the directory used to resolve hrefs declared in the file at p.
// Files at the archive root have an empty base.
func BaseDir(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// decodeXML unmarshals package-level XML, honoring declared non-UTF-8
// encodings and the HTML entities some producers leave in NCX and OPF files.
func decodeXML(data []byte, v any) error {
	d := xml.NewDecoder(bytes.NewReader(stripBOM(data)))
	d.CharsetReader = charset.NewReaderLabel
	d.Entity = xml.HTMLEntity
	return d.Decode(v)
}
