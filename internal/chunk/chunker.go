package chunk

import (
	"regexp"
	"strings"
)

// headingPattern recognizes level-1..3 markdown headings. Deeper headings
// stay inside their parent section.
var headingPattern = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)

// h1Pattern recognizes the article title heading.
var h1Pattern = regexp.MustCompile(`^#\s+(.+)$`)

// Split chunks markdown content into size-bounded chunks. The source is the
// full identifier "owner/repo/path/to/file.md"; the owner/repo prefix is
// stripped to produce the chunk path. Empty or whitespace-only content
// produces no chunks.
func Split(content, source string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	title := extractTitle(content)
	path := ExtractFilePath(source)

	var texts []string
	var sections []string

	for _, sec := range parseSections(content) {
		for _, text := range packSection(sec.content) {
			texts = append(texts, text)
			sections = append(sections, sec.heading)
		}
	}

	// Final sweep: nothing may exceed the hard ceiling, whatever shape the
	// source text had.
	var sweptTexts []string
	var sweptSections []string
	for i, text := range texts {
		if len(text) > HardMaxChunkChars {
			for _, piece := range hardSplit(text, MaxChunkChars) {
				sweptTexts = append(sweptTexts, piece)
				sweptSections = append(sweptSections, sections[i])
			}
			continue
		}
		sweptTexts = append(sweptTexts, text)
		sweptSections = append(sweptSections, sections[i])
	}

	chunks := make([]Chunk, 0, len(sweptTexts))
	for i, text := range sweptTexts {
		if len(strings.TrimSpace(text)) < MinChunkChars {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:       text,
			Ordinal:    len(chunks),
			Section:    sweptSections[i],
			SourceType: SourceTypeArticle,
			Source:     source,
			Path:       path,
			Title:      title,
		})
	}
	return chunks
}

// ExtractFilePath strips the owner/repo prefix (the first two segments)
// from a source identifier. Inputs with fewer than three segments are
// returned unchanged.
func ExtractFilePath(source string) string {
	parts := strings.SplitN(source, "/", 3)
	if len(parts) < 3 {
		return source
	}
	return parts[2]
}

// section is a run of lines bounded by level-1..3 headings. The heading
// line itself belongs to the section content.
type section struct {
	heading string
	content string
}

func parseSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var current section
	var buf strings.Builder
	started := false

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		current.content = buf.String()
		sections = append(sections, current)
		buf.Reset()
	}

	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = section{heading: strings.TrimSpace(m[2])}
			started = true
		} else if !started && buf.Len() == 0 && strings.TrimSpace(line) == "" {
			// Skip leading blank lines before any content.
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	return sections
}

// extractTitle returns the text of the first level-1 heading, if any.
func extractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if m := h1Pattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// packSection packs a section's paragraphs into chunks of at most
// MaxChunkChars, carrying OverlapChars of context between consecutive
// chunks. Oversized paragraphs are recursively split at sentence, line,
// and finally hard character boundaries.
func packSection(content string) []string {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	var out []string
	var buf strings.Builder

	emit := func() string {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text != "" {
			out = append(out, text)
		}
		return text
	}

	appendPara := func(p string) {
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}

	for _, para := range paragraphs {
		if len(para) > MaxChunkChars {
			// Oversized paragraph: flush what we have, then split it down.
			emit()
			out = append(out, splitOversized(para)...)
			continue
		}
		if buf.Len() > 0 && buf.Len()+2+len(para) > MaxChunkChars {
			emitted := emit()
			if tail := overlapTail(emitted); tail != "" {
				buf.WriteString(tail)
			}
		}
		appendPara(para)
	}
	emit()
	return out
}

func splitParagraphs(content string) []string {
	parts := strings.Split(content, "\n\n")
	var paragraphs []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// overlapTail returns the last OverlapChars characters of an emitted chunk,
// used to seed the next buffer so consecutive chunks share context.
func overlapTail(text string) string {
	if text == "" {
		return ""
	}
	if len(text) <= OverlapChars {
		return text
	}
	return strings.TrimSpace(text[len(text)-OverlapChars:])
}

// splitOversized cuts a paragraph longer than MaxChunkChars at sentence
// boundaries, falling back to line and then hard character boundaries.
func splitOversized(para string) []string {
	return packUnits(splitSentences(para), " ", func(unit string) []string {
		return packUnits(strings.Split(unit, "\n"), "\n", func(line string) []string {
			return hardSplit(line, MaxChunkChars)
		})
	})
}

// packUnits greedily packs units into buffers of at most MaxChunkChars,
// delegating any single oversized unit to the fallback splitter.
func packUnits(units []string, sep string, fallback func(string) []string) []string {
	var out []string
	var buf strings.Builder

	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			out = append(out, text)
		}
		buf.Reset()
	}

	for _, unit := range units {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		if len(unit) > MaxChunkChars {
			flush()
			out = append(out, fallback(unit)...)
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(sep)+len(unit) > MaxChunkChars {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(unit)
	}
	flush()
	return out
}

// splitSentences splits on end-of-sentence punctuation followed by
// whitespace. The punctuation stays with the preceding sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t') {
			sentences = append(sentences, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// hardSplit cuts text at exact character boundaries of the given width.
func hardSplit(text string, width int) []string {
	if width <= 0 || len(text) <= width {
		return []string{text}
	}
	var out []string
	for len(text) > width {
		out = append(out, text[:width])
		text = text[width:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
