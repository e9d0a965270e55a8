package converter

import (
	"context"
	"html"
	"strings"

	"github.com/yuanying/epub2bundle/internal/batch"
)

// Assemble renders processed chapters into the bundle body. Chapters are
// rendered in chunks of runner.Size with a yield between chunks; ctx is
// checked before every chunk and a cancelled assembly returns ctx.Err().
func Assemble(ctx context.Context, runner batch.Runner, chapters []*Chapter) (string, error) {
	parts, err := batch.Map(ctx, runner, chapters, func(_ context.Context, ch *Chapter) string {
		return renderChapter(ch)
	})
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "\n"), nil
}

// renderChapter wraps a chapter's processed body in its anchor element,
// carrying over the source body's class, direction and language.
func renderChapter(ch *Chapter) string {
	var b strings.Builder
	b.Grow(len(ch.ProcessedContent) + 128)

	class := "epub-chapter"
	if c := ch.BodyAttrs["class"]; c != "" {
		class += " " + c
	}
	b.WriteString(`<section id="`)
	b.WriteString(ch.Anchor())
	b.WriteString(`" class="`)
	b.WriteString(html.EscapeString(class))
	b.WriteString(`" data-chapter-id="`)
	b.WriteString(html.EscapeString(ch.ID))
	b.WriteString(`"`)
	for _, attr := range []string{"dir", "lang", "xml:lang"} {
		if v, ok := ch.BodyAttrs[attr]; ok {
			b.WriteString(" " + attr + `="` + html.EscapeString(v) + `"`)
		}
	}
	b.WriteString(">\n")
	b.WriteString(ch.ProcessedContent)
	b.WriteString("\n</section>")
	return b.String()
}
