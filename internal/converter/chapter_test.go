package converter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yuanying/epub2bundle/internal/batch"
)

func newTestLoader(t *testing.T, manifest, spine string, files map[string][]byte, runner batch.Runner) *ChapterLoader {
	t.Helper()
	files["META-INF/container.xml"] = []byte(testContainerXML)
	files["OEBPS/content.opf"] = []byte(testOPF(manifest, spine))
	a := openZip(t, files)
	return NewChapterLoader(a, mustPackage(t, a), runner, nil)
}

func TestChapterLoader_LoadAllSpineOrder(t *testing.T) {
	var manifest, spine strings.Builder
	files := map[string][]byte{}
	// Declared manifest order is the reverse of the spine.
	for i := 6; i >= 0; i-- {
		fmt.Fprintf(&manifest, `<item id="c%d" href="text/c%d.xhtml" media-type="application/xhtml+xml"/>`, i, i)
		files[fmt.Sprintf("OEBPS/text/c%d.xhtml", i)] = []byte(chapterXHTML(fmt.Sprintf("Chapter %d", i), "<p>x</p>"))
	}
	for i := range 7 {
		fmt.Fprintf(&spine, `<itemref idref="c%d"/>`, i)
	}
	yields := 0
	l := newTestLoader(t, manifest.String(), spine.String(), files, batch.Runner{Size: 3, Yield: func() { yields++ }})

	chapters, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(chapters) != 7 {
		t.Fatalf("len(chapters) = %d, want 7", len(chapters))
	}
	for i, ch := range chapters {
		if ch.ID != fmt.Sprintf("c%d", i) || ch.Index != i {
			t.Errorf("chapters[%d] = %s (index %d)", i, ch.ID, ch.Index)
		}
		if ch.Title != fmt.Sprintf("Chapter %d", i) {
			t.Errorf("chapters[%d].Title = %q", i, ch.Title)
		}
	}
	// 7 chapters in batches of 3: 3 batches, 2 yields
	if yields != 2 {
		t.Errorf("yields = %d, want 2", yields)
	}
}

func TestChapterLoader_SkipsMissing(t *testing.T) {
	l := newTestLoader(t,
		`<item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>
<item id="gone" href="gone.xhtml" media-type="application/xhtml+xml"/>
<item id="img" href="i.png" media-type="image/png"/>
<item id="b" href="b.xhtml" media-type="application/xhtml+xml"/>`,
		`<itemref idref="a"/><itemref idref="nomanifest"/><itemref idref="gone"/><itemref idref="img"/><itemref idref="b"/>`,
		map[string][]byte{
			"OEBPS/a.xhtml": []byte(chapterXHTML("A", "<p>a</p>")),
			"OEBPS/b.xhtml": []byte(chapterXHTML("B", "<p>b</p>")),
			"OEBPS/i.png":   tinyPNG(t),
		},
		batch.Runner{Size: 3})

	chapters, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(chapters) != 2 || chapters[0].ID != "a" || chapters[1].ID != "b" {
		t.Fatalf("chapters = %v", chapterIDs(chapters))
	}
	if chapters[1].Index != 1 {
		t.Errorf("Index = %d, want 1 (indexes count loaded chapters)", chapters[1].Index)
	}
}

func TestChapterLoader_Content(t *testing.T) {
	raw := "\xEF\xBB\xBF" + chapterXHTML("Café", `<link rel="stylesheet" href="../css/s.css"/><p>héllo</p>`)
	l := newTestLoader(t,
		`<item id="a" href="text/a.xhtml" media-type="application/xhtml+xml"/>`,
		`<itemref idref="a" linear="no"/>`,
		map[string][]byte{"OEBPS/text/a.xhtml": []byte(raw)},
		batch.Runner{Size: 3})

	chapters, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	ch := chapters[0]
	if strings.HasPrefix(ch.RawContent, "\xEF\xBB\xBF") {
		t.Error("RawContent keeps the BOM")
	}
	if ch.Path != "OEBPS/text/a.xhtml" || ch.Href != "text/a.xhtml" || ch.Dir() != "OEBPS/text" {
		t.Errorf("Path/Href/Dir = %q/%q/%q", ch.Path, ch.Href, ch.Dir())
	}
	if ch.Linear {
		t.Error("Linear = true, want false")
	}
	if ch.Weight() != len([]rune(ch.RawContent)) {
		t.Errorf("Weight() = %d, want rune count %d", ch.Weight(), len([]rune(ch.RawContent)))
	}
	if len(ch.Stylesheets) != 1 || ch.Stylesheets[0] != "OEBPS/css/s.css" {
		t.Errorf("Stylesheets = %v", ch.Stylesheets)
	}
}

func TestChapterLoader_Load(t *testing.T) {
	l := newTestLoader(t,
		`<item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>
<item id="gone" href="gone.xhtml" media-type="application/xhtml+xml"/>`,
		`<itemref idref="a"/><itemref idref="gone"/>`,
		map[string][]byte{"OEBPS/a.xhtml": []byte(chapterXHTML("A", "<p>a</p>"))},
		batch.Runner{Size: 3})

	if ch := l.Load(context.Background(), "a", DirectionNext); ch == nil || ch.ID != "a" {
		t.Fatalf("Load(a) = %+v", ch)
	}
	for _, id := range []string{"gone", "nomanifest", ""} {
		if ch := l.Load(context.Background(), id, DirectionPrev); ch != nil {
			t.Errorf("Load(%q) = %+v, want nil", id, ch)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch := l.Load(ctx, "a", DirectionNext); ch != nil {
		t.Error("Load() with canceled context returned a chapter")
	}
}

func TestChapterLoader_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newTestLoader(t,
		`<item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>`,
		`<itemref idref="a"/>`,
		map[string][]byte{"OEBPS/a.xhtml": []byte(chapterXHTML("A", ""))},
		batch.Runner{Size: 3})
	if _, err := l.LoadAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("LoadAll() error = %v, want context.Canceled", err)
	}
}

func TestChapterAnchor(t *testing.T) {
	if got := ChapterAnchor(0); got != "ch01" {
		t.Errorf("ChapterAnchor(0) = %q", got)
	}
	if got := ChapterAnchor(104); got != "ch105" {
		t.Errorf("ChapterAnchor(104) = %q", got)
	}
}

func chapterIDs(chapters []*Chapter) []string {
	ids := make([]string, len(chapters))
	for i, ch := range chapters {
		ids[i] = ch.ID
	}
	return ids
}
