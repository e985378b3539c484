// Package chunk splits markdown help articles into semantically bounded,
// size-bounded chunks suitable for embedding and retrieval.
package chunk

// SourceTypeArticle marks chunks that came from a help article. It is the
// only source type the docs pipeline produces.
const SourceTypeArticle = "article"

// Size bounds for chunks, in characters.
const (
	// MinChunkChars is the minimum trimmed length for an emitted chunk.
	// Shorter fragments carry no retrievable signal and are dropped.
	MinChunkChars = 20

	// MaxChunkChars is the soft ceiling for a chunk. Paragraph packing
	// targets this size.
	MaxChunkChars = 500

	// OverlapChars is the maximum overlap carried between consecutive
	// chunks of the same article.
	OverlapChars = 50

	// HardMaxChunkChars is the absolute ceiling. Text that cannot be cut
	// at paragraph or sentence boundaries is cut at character boundaries
	// so no chunk ever exceeds this.
	HardMaxChunkChars = MaxChunkChars + MaxChunkChars/2
)

// Chunk is a contiguous slice of an article together with its covering
// section heading. Ordinals are zero-based, dense, and strictly increasing
// within one article.
type Chunk struct {
	// Text is the chunk content.
	Text string

	// Ordinal is the zero-based position within the article.
	Ordinal int

	// Section is the most recent level-1..3 heading covering the span.
	// Empty for content before the first heading.
	Section string

	// SourceType is always SourceTypeArticle for this chunker.
	SourceType string

	// Source is the full source identifier ("owner/repo/path/to/file.md").
	Source string

	// Path is the repository-relative file path (source minus owner/repo).
	Path string

	// Title is the article title (first level-1 heading), if present.
	Title string
}
