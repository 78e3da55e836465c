// ABOUTME: Upload classification for multipart query requests.
// ABOUTME: Maps file extensions to attachment MIME types, rejecting the rest.

package gateway

import (
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/parleyhq/parley-gateway/internal/agent"
)

// maxUploadBytes bounds the in-memory portion of a multipart form.
const maxUploadBytes = 32 << 20

// textMimeTypes are the plain-text extensions accepted as inline text
// attachments. Anything textual the model should read verbatim goes here.
var textMimeTypes = map[string]string{
	".csv":  "text/csv",
	".json": "application/json",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
}

// imageMimeTypes are the image extensions accepted as base64 image blocks.
var imageMimeTypes = map[string]string{
	".gif":  "image/gif",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// readUpload reads one uploaded file and classifies it by extension.
// Unsupported types fail with an error naming the file, so the client
// knows which upload to drop.
func readUpload(fh *multipart.FileHeader) (agent.Attachment, error) {
	mimeType, err := classifyExtension(fh.Filename)
	if err != nil {
		return agent.Attachment{}, err
	}

	f, err := fh.Open()
	if err != nil {
		return agent.Attachment{}, fmt.Errorf("opening upload %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return agent.Attachment{}, fmt.Errorf("reading upload %q: %w", fh.Filename, err)
	}

	return agent.Attachment{
		Filename: fh.Filename,
		MimeType: mimeType,
		Data:     data,
	}, nil
}

// classifyExtension resolves a filename to a supported MIME type.
func classifyExtension(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".pdf":
		return "application/pdf", nil
	case textMimeTypes[ext] != "":
		return textMimeTypes[ext], nil
	case imageMimeTypes[ext] != "":
		return imageMimeTypes[ext], nil
	default:
		return "", fmt.Errorf("unsupported file type %q for %q", ext, filename)
	}
}
