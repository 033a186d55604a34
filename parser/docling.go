package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// Docling calls the structure-aware parsing sidecar. The sidecar accepts a
// multipart upload and returns the document as ordered sections with
// heading paths and page numbers.
type Docling struct {
	url    string
	client *http.Client
}

// NewDocling builds a client from configuration.
func NewDocling(cfg config.DoclingConfig) *Docling {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Docling{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// Parse uploads the file and decodes the sidecar's response.
func (d *Docling) Parse(ctx context.Context, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"/parse", &body)
	if err != nil {
		return nil, fmt.Errorf("building parse request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, common.Wrap(common.KindParseFailed, "calling docling", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, common.Ef(common.KindParseFailed,
			"docling returned %d: %s", resp.StatusCode, string(msg))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, common.Wrap(common.KindParseFailed, "decoding docling response", err)
	}
	if len(result.Sections) == 0 {
		return nil, common.E(common.KindParseFailed, "docling returned no sections")
	}
	return &result, nil
}
