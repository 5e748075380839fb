package chunk

import (
	"regexp"
	"strings"
)

var (
	headerPattern      = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)
)

// MarkdownChunker splits markdown by headers, keeping the header hierarchy
// as chunk attributes. Sections larger than the window fall through to the
// sliding-window splitter with the section path preserved.
type MarkdownChunker struct {
	text *TextChunker
}

func NewMarkdownChunker(size, overlap int) *MarkdownChunker {
	return &MarkdownChunker{text: NewTextChunker(size, overlap)}
}

func (c *MarkdownChunker) Method() string { return "markdown_sections" }

func (c *MarkdownChunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	body := text

	if fm := frontmatterPattern.FindString(body); fm != "" {
		chunks = append(chunks, Chunk{
			Index:  0,
			Text:   strings.TrimSpace(fm),
			Method: c.Method(),
			Attrs:  map[string]any{"section_type": "frontmatter"},
		})
		body = body[len(fm):]
	}

	sections := parseSections(body)
	if len(sections) == 0 {
		for _, ck := range c.text.Split(body) {
			ck.Index = len(chunks)
			chunks = append(chunks, ck)
		}
		return chunks
	}

	for _, sec := range sections {
		content := strings.TrimSpace(sec.content)
		if content == "" || content == strings.TrimSpace(sec.header) {
			continue
		}
		attrs := map[string]any{
			"header_path":  sec.path,
			"header_level": sec.level,
		}
		if len(content) <= c.text.Size {
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Text:   content,
				Method: c.Method(),
				Attrs:  attrs,
			})
			continue
		}
		for _, ck := range c.text.Split(content) {
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Text:   ck.Text,
				Method: c.Method(),
				Attrs:  attrs,
			})
		}
	}
	return chunks
}

type mdSection struct {
	level   int
	header  string
	path    string
	content string
}

// parseSections walks the document line by line, tracking the header stack
// so each section carries its full "A > B > C" path.
func parseSections(content string) []mdSection {
	lines := strings.Split(content, "\n")
	var sections []mdSection
	var stack [6]string
	var cur *mdSection
	var buf strings.Builder

	flush := func() {
		if cur != nil {
			cur.content = buf.String()
			sections = append(sections, *cur)
		}
		buf.Reset()
	}

	for _, line := range lines {
		m := headerPattern.FindStringSubmatch(line)
		if m == nil {
			if cur != nil {
				buf.WriteString(line)
				buf.WriteByte('\n')
			} else if strings.TrimSpace(line) != "" {
				// Preamble before the first header becomes its own section.
				cur = &mdSection{header: ""}
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
			continue
		}

		flush()
		level := len(m[1])
		title := strings.TrimSpace(m[2])
		stack[level-1] = title
		for i := level; i < 6; i++ {
			stack[i] = ""
		}
		var parts []string
		for i := 0; i < level; i++ {
			if stack[i] != "" {
				parts = append(parts, stack[i])
			}
		}
		cur = &mdSection{level: level, header: line, path: strings.Join(parts, " > ")}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return sections
}
