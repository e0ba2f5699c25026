// Package recall archives committed exchanges as vector embeddings and
// retrieves the most similar past exchanges of the same user.
//
// Embeddings come from a HuggingFace Text Embeddings Inference (TEI)
// server and live in PostgreSQL with the pgvector extension.
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// PrefixDocument is the task prefix for stored exchanges.
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for lookups.
	PrefixQuery = "search_query: "
)

// maxInputRunes clips each input before it is sent. TEI truncates to the
// model window as well; this only bounds the request size.
const maxInputRunes = 4000

// TEIClient talks to a Text Embeddings Inference server.
type TEIClient struct {
	base string
	http *http.Client
}

// NewTEIClient creates a client for the server at baseURL.
func NewTEIClient(baseURL string) *TEIClient {
	return &TEIClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Inputs   any  `json:"inputs"` // string or []string
	Truncate bool `json:"truncate"`
}

// Embed returns one vector per text, each input prefixed with taskPrefix.
func (c *TEIClient) Embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		if r := []rune(t); len(r) > maxInputRunes {
			t = string(r[:maxInputRunes])
		}
		inputs[i] = taskPrefix + t
	}
	req := embedRequest{Inputs: inputs, Truncate: true}
	if len(inputs) == 1 {
		req.Inputs = inputs[0]
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("tei embed: encode: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/embed", body)
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(raw)
	if !rows.IsArray() {
		return nil, fmt.Errorf("tei embed: unexpected response %.80q", raw)
	}
	var out [][]float32
	rows.ForEach(func(_, row gjson.Result) bool {
		vec := make([]float32, 0, 768)
		row.ForEach(func(_, x gjson.Result) bool {
			vec = append(vec, float32(x.Float()))
			return true
		})
		out = append(out, vec)
		return true
	})
	if len(out) != len(texts) {
		return nil, fmt.Errorf("tei embed: %d vectors for %d inputs", len(out), len(texts))
	}
	return out, nil
}

// EmbedDocument embeds an exchange for storage.
func (c *TEIClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.one(ctx, text, PrefixDocument)
}

// EmbedQuery embeds a message for lookup.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.one(ctx, text, PrefixQuery)
}

func (c *TEIClient) one(ctx context.Context, text, prefix string) ([]float32, error) {
	out, err := c.Embed(ctx, []string{text}, prefix)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Health reports whether the server answers /health with 200.
func (c *TEIClient) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *TEIClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("tei %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("tei %s: read: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tei %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw[:min(len(raw), 256)])))
	}
	return raw, nil
}
