// Package pipeline turns uploaded documents into indexed chunks: fetch the
// blob, parse it into sections, split the sections, embed the pieces and
// write both index views plus the chunk mapping rows. It also owns the
// ordered teardown of documents and whole knowledge bases, because deletion
// must walk the same stores in the reverse direction.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/quarryhq/quarry/parser"
)

// Chunk is one splitter output ready for embedding. Text is what gets
// embedded and indexed: the section's heading path prefixed to the raw
// span, so a chunk keeps its place in the document structure. ParentID and
// ParentContent point at the originating section for small-to-big collapse
// at retrieval time.
type Chunk struct {
	Text          string
	Raw           string
	Headings      []string
	Page          int
	Index         int
	ParentID      string
	ParentContent string
}

// Chunker splits parsed sections into bounded chunks.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker builds a chunker with the knowledge base's bounds.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks every section in order. Chunk indexes are contiguous across
// sections so position reflects document order.
func (c *Chunker) Split(sections []parser.Section) ([]Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
	)

	var chunks []Chunk
	for _, section := range sections {
		pieces, err := splitter.SplitText(section.Text)
		if err != nil {
			return nil, fmt.Errorf("splitting section: %w", err)
		}

		parentID := sectionID(section.Text)
		prefix := section.HeadingPath()

		for _, raw := range pieces {
			text := raw
			if prefix != "" {
				text = prefix + "\n" + raw
			}
			chunks = append(chunks, Chunk{
				Text:          text,
				Raw:           raw,
				Headings:      section.Headings,
				Page:          section.Page,
				Index:         len(chunks),
				ParentID:      parentID,
				ParentContent: section.Text,
			})
		}
	}
	return chunks, nil
}

// sectionID derives a stable parent id from section content, so the same
// section hashes identically across re-processing runs.
func sectionID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
