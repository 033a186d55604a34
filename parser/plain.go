package parser

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/quarryhq/quarry/common"
)

// Plain loads text and Markdown files as a single section.
type Plain struct{}

// Parse reads the whole file. Content must be valid UTF-8; binary files
// renamed to .txt fail here instead of producing garbage chunks.
func (p *Plain) Parse(ctx context.Context, path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, common.Wrap(common.KindParseFailed, "reading file", err)
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, common.E(common.KindParseFailed, "file is empty")
	}
	if !utf8.ValidString(text) {
		return nil, common.E(common.KindParseFailed, "file is not valid UTF-8 text")
	}

	return &Result{
		Sections: []Section{{Text: text, Page: 1}},
		Pages:    1,
	}, nil
}
