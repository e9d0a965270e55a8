package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxEntrySize guards against zip bombs.
const DefaultMaxEntrySize int64 = 256 * 1024 * 1024

// Archive is named-entry access to an e-book container.
// Implementations must be safe for concurrent reads.
type Archive interface {
	Has(name string) bool
	ReadFile(name string) ([]byte, error)
}

// ZipArchive is an Archive backed by an in-memory zip.
type ZipArchive struct {
	zr           *zip.Reader
	files        map[string]*zip.File // exact name
	normalized   map[string]*zip.File // NFC name
	folded       map[string]*zip.File // lower-cased NFC name
	maxEntrySize int64
}

// OpenArchive opens raw container bytes.
func OpenArchive(data []byte) (*ZipArchive, error) {
	return NewArchive(bytes.NewReader(data), int64(len(data)))
}

// NewArchive opens a container from an io.ReaderAt.
func NewArchive(ra io.ReaderAt, size int64) (*ZipArchive, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	a := &ZipArchive{
		zr:           zr,
		files:        make(map[string]*zip.File, len(zr.File)),
		normalized:   make(map[string]*zip.File, len(zr.File)),
		folded:       make(map[string]*zip.File, len(zr.File)),
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		a.files[f.Name] = f
		nfc := norm.NFC.String(f.Name)
		if _, ok := a.normalized[nfc]; !ok {
			a.normalized[nfc] = f
		}
		lower := strings.ToLower(nfc)
		if _, ok := a.folded[lower]; !ok {
			a.folded[lower] = f
		}
	}
	return a, nil
}

// SetMaxEntrySize overrides the per-entry decompression limit.
func (a *ZipArchive) SetMaxEntrySize(limit int64) {
	a.maxEntrySize = limit
}

// Names returns entry names in archive order, directories excluded.
func (a *ZipArchive) Names() []string {
	names := make([]string, 0, len(a.files))
	for _, f := range a.zr.File {
		if _, ok := a.files[f.Name]; ok {
			names = append(names, f.Name)
		}
	}
	return names
}

// Has reports whether name addresses an entry.
func (a *ZipArchive) Has(name string) bool {
	return a.lookup(name) != nil
}

// ReadFile returns the decompressed content of the named entry.
func (a *ZipArchive) ReadFile(name string) ([]byte, error) {
	f := a.lookup(name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}

	if f.UncompressedSize64 > uint64(a.maxEntrySize) {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, f.Name, f.UncompressedSize64)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	// The declared size may be forged, so read one byte past the limit.
	data, err := io.ReadAll(io.LimitReader(rc, a.maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if int64(len(data)) > a.maxEntrySize {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
	}
	return data, nil
}

// lookup tries the exact name, then progressively looser spellings.
func (a *ZipArchive) lookup(name string) *zip.File {
	for _, candidate := range lookupSpellings(name) {
		if f, ok := a.files[candidate]; ok {
			return f
		}
		nfc := norm.NFC.String(candidate)
		if f, ok := a.normalized[nfc]; ok {
			return f
		}
		if f, ok := a.folded[strings.ToLower(nfc)]; ok {
			return f
		}
	}
	return nil
}

func lookupSpellings(name string) []string {
	spellings := []string{name}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
	if trimmed != name {
		spellings = append(spellings, trimmed)
	}
	if unescaped, err := url.PathUnescape(trimmed); err == nil && unescaped != trimmed {
		spellings = append(spellings, unescaped)
	}
	return spellings
}

// ReadText reads an entry and decodes it to a UTF-8 string.
func ReadText(a Archive, name string) (string, error) {
	data, err := a.ReadFile(name)
	if err != nil {
		return "", err
	}
	return DecodeText(data), nil
}

var xmlEncodingRe = regexp.MustCompile(`^\s*<\?xml[^>]*encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)

// DecodeText converts document bytes to UTF-8. Valid UTF-8 passes through
// unchanged; otherwise the XML declaration, then HTML sniffing, choose the
// source encoding.
func DecodeText(data []byte) string {
	data = stripBOM(data)
	if utf8.Valid(data) {
		return string(data)
	}

	var enc encoding.Encoding
	if m := xmlEncodingRe.FindSubmatch(data); m != nil {
		enc, _ = charset.Lookup(string(m[1]))
	}
	if enc == nil {
		enc, _, _ = charset.DetermineEncoding(data, "text/html")
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
}

// normalizePath removes the ./ and / prefixes producers put on archive paths.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	return strings.TrimPrefix(p, "/")
}
