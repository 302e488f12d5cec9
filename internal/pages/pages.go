// Package pages stores the ordered page images of source documents behind
// opaque handles, and splits them into bounded chunks for the AI model.
package pages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxChunkPages is the upper bound on pages sent to the AI model in one call.
const MaxChunkPages = 10

// Kind labels what a stored document is.
type Kind string

const (
	KindQuestionPaper Kind = "question_paper"
	KindModelAnswer   Kind = "model_answer"
	KindSubmission    Kind = "submission"
)

// ErrInvalidImage is returned when a page is not a decodable image.
var ErrInvalidImage = errors.New("page is not a supported image")

// Page is one rasterized page.
type Page struct {
	Index int    `json:"index"` // 1-based position in the document
	MIME  string `json:"mime"`
	Data  []byte `json:"-"`
}

// BlobStore persists page bytes. Range bounds are 1-based and inclusive.
type BlobStore interface {
	PutPages(ctx context.Context, handle string, kind Kind, pages []Page) error
	GetPages(ctx context.Context, handle string, from, to int) ([]Page, error)
	CountPages(ctx context.Context, handle string) (int, error)
}

// Store hands out handles for documents and reads their pages back.
type Store struct {
	blobs BlobStore
}

// NewStore creates a page store over a blob backend.
func NewStore(blobs BlobStore) *Store {
	return &Store{blobs: blobs}
}

// Save validates and stores pages, returning a new opaque handle. An empty
// page list is stored as-is; callers decide whether that is an error.
func (s *Store) Save(ctx context.Context, kind Kind, raw [][]byte) (string, error) {
	pages := make([]Page, 0, len(raw))
	for i, data := range raw {
		mime, err := Validate(data)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Index: i + 1, MIME: mime, Data: data})
	}
	handle := uuid.NewString()
	if err := s.blobs.PutPages(ctx, handle, kind, pages); err != nil {
		return "", fmt.Errorf("store pages: %w", err)
	}
	return handle, nil
}

// Ingest stores a document given either as page images or as a source
// document. A document is rasterized with r and takes precedence over raw.
func (s *Store) Ingest(ctx context.Context, kind Kind, raw [][]byte, document []byte, r Rasterizer) (string, error) {
	if len(document) > 0 {
		if r == nil {
			return "", fmt.Errorf("no rasterizer configured for %s document", kind)
		}
		rendered, err := r.Pages(ctx, document)
		if err != nil {
			return "", fmt.Errorf("rasterize %s: %w", kind, err)
		}
		raw = rendered
	}
	return s.Save(ctx, kind, raw)
}

// Count returns the number of pages behind a handle.
func (s *Store) Count(ctx context.Context, handle string) (int, error) {
	if handle == "" {
		return 0, nil
	}
	return s.blobs.CountPages(ctx, handle)
}

// Range returns pages from..to (1-based, inclusive).
func (s *Store) Range(ctx context.Context, handle string, from, to int) ([]Page, error) {
	if from < 1 || to < from {
		return nil, fmt.Errorf("invalid page range %d..%d", from, to)
	}
	return s.blobs.GetPages(ctx, handle, from, to)
}

// All returns every page behind a handle.
func (s *Store) All(ctx context.Context, handle string) ([]Page, error) {
	if handle == "" {
		return nil, nil
	}
	n, err := s.Count(ctx, handle)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.blobs.GetPages(ctx, handle, 1, n)
}

// Validate decodes the image header and returns the MIME type.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrInvalidImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return "image/" + format, nil
}

// Chunk splits pages into consecutive groups of at most size pages.
// Sizes outside 1..MaxChunkPages are clamped.
func Chunk(pages []Page, size int) [][]Page {
	if size <= 0 || size > MaxChunkPages {
		size = MaxChunkPages
	}
	var chunks [][]Page
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		chunks = append(chunks, pages[start:end])
	}
	return chunks
}

// Bytes returns the raw page payloads in order.
func Bytes(pages []Page) [][]byte {
	out := make([][]byte, len(pages))
	for i, p := range pages {
		out[i] = p.Data
	}
	return out
}
