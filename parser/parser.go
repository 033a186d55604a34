// Package parser turns uploaded files into ordered text sections. PDF and
// Word documents go through the docling sidecar, which preserves heading
// structure and page numbers; plain text and Markdown load directly. Any
// other suffix is an unsupported format.
package parser

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/queue"
)

// Section is one ordered span of source text. Headings is the heading path
// down to the span; Page is 1-based and zero for unpaged formats.
type Section struct {
	Text     string   `json:"text"`
	Headings []string `json:"headings,omitempty"`
	Page     int      `json:"page,omitempty"`
}

// Result is the parsed document.
type Result struct {
	Sections []Section `json:"sections"`
	Pages    int       `json:"pages"`
}

// HeadingPath renders the section's heading path as a single line.
func (s Section) HeadingPath() string {
	return strings.Join(s.Headings, " > ")
}

// Parser extracts sections from a local file.
type Parser interface {
	Parse(ctx context.Context, path string) (*Result, error)
}

// structuredSuffixes are handled by the docling sidecar.
var structuredSuffixes = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
}

// plainSuffixes load directly.
var plainSuffixes = map[string]bool{
	".txt": true,
	".md":  true,
}

// Supported reports whether the filename's suffix can be parsed at all.
func Supported(filename string) bool {
	suffix := strings.ToLower(filepath.Ext(filename))
	return structuredSuffixes[suffix] || plainSuffixes[suffix]
}

// QueueFor routes a file to its processing queue: structure-aware parsing
// is heavy and runs on the docling queue, everything else on default.
func QueueFor(filename string) string {
	if structuredSuffixes[strings.ToLower(filepath.Ext(filename))] {
		return queue.QueueDocling
	}
	return queue.QueueDefault
}

// Router picks a parser by file suffix.
type Router struct {
	docling *Docling
	plain   *Plain
}

// NewRouter builds a router over the two concrete parsers.
func NewRouter(docling *Docling) *Router {
	return &Router{docling: docling, plain: &Plain{}}
}

// For returns the parser for a filename, or an UNSUPPORTED_FORMAT error.
func (r *Router) For(filename string) (Parser, error) {
	suffix := strings.ToLower(filepath.Ext(filename))
	switch {
	case structuredSuffixes[suffix]:
		return r.docling, nil
	case plainSuffixes[suffix]:
		return r.plain, nil
	default:
		return nil, common.Ef(common.KindUnsupportedFormat,
			"unsupported file format %q", suffix)
	}
}
