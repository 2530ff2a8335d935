package core

import "context"

// DocumentExtractor turns raw document bytes into normalized plain text.
// It returns ErrUnsupportedFormat for MIME types it cannot read and
// ErrNoExtractableText when the document parses but yields no text.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}
