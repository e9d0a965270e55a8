package bundle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

const pageTemplate = `<!DOCTYPE html>
<html><head><style>
.page { width: 600px; }
#page-2 { height: 800px; background-image: url('p2.png'); }
</style></head><body>
<div id="page-1" class="page" style="height: 800px; background-image: url(p1.png)"></div>
<div id="page-2" class="page"></div>
<div id="page-3" class="page" style="background-image:url(&quot;missing.png&quot;)"></div>
<div id="page-x" style="background-image: url(x.png)"></div>
</body></html>`

type recordingFetcher struct {
	mu   sync.Mutex
	refs []string
}

func (f *recordingFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.refs = append(f.refs, ref)
	f.mu.Unlock()
	if ref == "missing.png" {
		return nil, errors.New("not found")
	}
	return pngBytes, nil
}

func TestPageBundler_Bundle(t *testing.T) {
	f := &recordingFetcher{}
	yields := 0
	b := NewPageBundler(f, PageOptions{BatchSize: 2, Yield: func() { yields++ }})

	res, err := b.Bundle(context.Background(), pageTemplate)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if res.Pages != 3 {
		t.Errorf("Pages = %d, want 3", res.Pages)
	}
	if !reflect.DeepEqual(res.Failed, []int{3}) {
		t.Errorf("Failed = %v, want [3]", res.Failed)
	}
	if yields != 1 {
		t.Errorf("yields = %d, want 1", yields)
	}
	if len(f.refs) != 3 {
		t.Errorf("fetched %v", f.refs)
	}

	out := res.HTML
	if !strings.Contains(out, `background-image: url(&#34;data:image/png;base64,`) {
		t.Errorf("inline page style not spliced:\n%s", out)
	}
	if !strings.Contains(out, `#page-2 { height: 800px; background-image: url("data:image/png;base64,`) {
		t.Errorf("page rule not spliced:\n%s", out)
	}
	if !strings.Contains(out, "missing.png") {
		t.Error("failed page should be left unmodified")
	}
	if !strings.Contains(out, "url(x.png)") {
		t.Error("non-page container modified")
	}
	if strings.Contains(out, "p1.png") || strings.Contains(out, "p2.png") {
		t.Errorf("page references remain:\n%s", out)
	}
}

func TestPageBundler_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewPageBundler(&recordingFetcher{}, PageOptions{BatchSize: 1, Yield: cancel})
	if _, err := b.Bundle(ctx, pageTemplate); !errors.Is(err, context.Canceled) {
		t.Fatalf("Bundle() error = %v, want context.Canceled", err)
	}
}

func TestSplice(t *testing.T) {
	const uri = "data:image/jpeg;base64,/9j/"
	tests := []struct {
		name     string
		template string
		page     int
		want     string
		wantErr  error
	}{
		{
			name:     "inline style",
			template: `<div id="page-7" style="background-image: url('a.jpg'); width: 1px"></div>`,
			page:     7,
			want:     `style="background-image: url(&#34;` + uri + `&#34;); width: 1px"`,
		},
		{
			name:     "style rule",
			template: `<style>#page-7{background-image:url(a.jpg)}</style><div id="page-7"></div>`,
			page:     7,
			want:     `#page-7{background-image:url("` + uri + `")}`,
		},
		{
			name:     "other page untouched",
			template: `<style>#page-1{background-image:url(a.jpg)} #page-7{background-image:url(b.jpg)}</style>`,
			page:     7,
			want:     `#page-1{background-image:url(a.jpg)} #page-7{background-image:url("` + uri + `")}`,
		},
		{
			name:     "missing container",
			template: `<div id="page-1" style="background-image: url(a.jpg)"></div>`,
			page:     2,
			wantErr:  ErrPageNotFound,
		},
		{
			name:     "container without background",
			template: `<div id="page-2" style="width: 1px"></div>`,
			page:     2,
			wantErr:  ErrPageNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Splice(tt.template, tt.page, uri)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Splice() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Splice() error = %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("Splice() = %s\nwant substring %s", got, tt.want)
			}
		})
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book/pages/p1.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngBytes)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/book/pages/", 100, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPFetcher() error = %v", err)
	}
	data, err := f.Fetch(context.Background(), "p1.png")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Errorf("Fetch() = %q", data)
	}
	if _, err := f.Fetch(context.Background(), "nope.png"); err == nil {
		t.Error("Fetch() of a missing page succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "p1.png"); err == nil {
		t.Error("Fetch() with a canceled context succeeded")
	}
}

func TestDirFetcher(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "scans"), 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		name := filepath.Join(dir, "scans", fmt.Sprintf("page %d.png", i))
		if err := os.WriteFile(name, pngBytes, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f := DirFetcher{Root: dir}
	if _, err := f.Fetch(context.Background(), "scans/page%201.png"); err != nil {
		t.Errorf("Fetch(escaped) error = %v", err)
	}
	if _, err := f.Fetch(context.Background(), "scans/page 2.png"); err != nil {
		t.Errorf("Fetch() error = %v", err)
	}
	if _, err := f.Fetch(context.Background(), "scans/page 3.png"); err == nil {
		t.Error("Fetch() of a missing file succeeded")
	}
}

func TestHTTPFetcher_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/", 100, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPFetcher() error = %v", err)
	}
	if f.MaxBytes != DefaultMaxPageBytes {
		t.Fatalf("MaxBytes = %d, want %d", f.MaxBytes, DefaultMaxPageBytes)
	}

	f.MaxBytes = 64
	if data, err := f.Fetch(context.Background(), "exact.png"); err != nil || len(data) != 64 {
		t.Fatalf("Fetch() at the limit = %d bytes, %v", len(data), err)
	}

	f.MaxBytes = 63
	_, err = f.Fetch(context.Background(), "big.png")
	if !errors.Is(err, ErrPageTooLarge) {
		t.Fatalf("Fetch() over the limit error = %v, want ErrPageTooLarge", err)
	}
}

func TestDirFetcher_OutsideRoot(t *testing.T) {
	parent := t.TempDir()
	if err := os.WriteFile(filepath.Join(parent, "secret.png"), pngBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(parent, "book")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	f := DirFetcher{Root: dir}
	for _, ref := range []string{
		"../secret.png",
		"scans/../../secret.png",
		"..%2Fsecret.png",
		filepath.ToSlash(filepath.Join(parent, "secret.png")),
	} {
		_, err := f.Fetch(context.Background(), ref)
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Fetch(%q) error = %v, want ErrOutsideRoot", ref, err)
		}
	}

	if err := os.Symlink(filepath.Join(parent, "secret.png"), filepath.Join(dir, "link.png")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := f.Fetch(context.Background(), "link.png"); err == nil {
		t.Error("Fetch() followed a symlink out of the root")
	}
}
