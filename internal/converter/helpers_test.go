package converter

import (
	"archive/zip"
	"bytes"
	"image/color"
	"sort"
	"sync"
	"testing"

	"github.com/yuanying/epub2bundle/internal/epub"
)

const testContainerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

// testOPF builds a package document from manifest items and spine itemrefs.
func testOPF(manifest, spine string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="uid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="uid">urn:uuid:test</dc:identifier>
    <dc:title>Test Book</dc:title>
    <dc:creator>Test Author</dc:creator>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>` + manifest + `</manifest>
  <spine>` + spine + `</spine>
</package>`
}

// chapterXHTML returns a content document whose body holds body.
func chapterXHTML(title, body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>` + title + `</title></head><body>` + body + `</body></html>`
}

// buildZip creates an in-memory zip with the given entries.
func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func openZip(t *testing.T, files map[string][]byte) *epub.ZipArchive {
	t.Helper()
	a, err := epub.OpenArchive(buildZip(t, files))
	if err != nil {
		t.Fatalf("OpenArchive() error = %v", err)
	}
	return a
}

func mustPackage(t *testing.T, a epub.Archive) *epub.Package {
	t.Helper()
	data, err := a.ReadFile("OEBPS/content.opf")
	if err != nil {
		t.Fatalf("ReadFile(opf) error = %v", err)
	}
	pkg, err := epub.ParsePackage(data, "OEBPS/content.opf")
	if err != nil {
		t.Fatalf("ParsePackage() error = %v", err)
	}
	return pkg
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	return mustEncodePNG(t, makeSolidNRGBA(2, 2, color.NRGBA{R: 255, A: 255}))
}

// countingArchive records ReadFile calls and can run a hook after each one.
type countingArchive struct {
	epub.Archive

	mu     sync.Mutex
	reads  []string
	onRead func(name string)
}

func (c *countingArchive) ReadFile(name string) ([]byte, error) {
	c.mu.Lock()
	c.reads = append(c.reads, name)
	hook := c.onRead
	c.mu.Unlock()

	data, err := c.Archive.ReadFile(name)
	if hook != nil {
		hook(name)
	}
	return data, err
}

func (c *countingArchive) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}
