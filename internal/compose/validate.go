package compose

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/npezzotti/cotai-messaging/internal/types"
)

const DefaultMaxSize = 20 << 20

var (
	ErrFileTooLarge   = errors.New("file too large")
	ErrTypeNotAllowed = errors.New("file type not allowed")
)

// ValidationError rejects one attachment before it is uploaded.
type ValidationError struct {
	FileName string
	Message  string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FileName, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type Validator struct {
	MaxSize      int64
	AllowedTypes []string
}

// Validate checks the size limit first, then the content type. A file
// without a declared type is sniffed.
func (v Validator) Validate(f types.Upload) error {
	maxSize := v.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	if f.Size() > maxSize {
		return &ValidationError{
			FileName: f.Name,
			Message:  fmt.Sprintf("%s exceeds the %s limit", formatSize(f.Size()), formatSize(maxSize)),
			Err:      ErrFileTooLarge,
		}
	}

	if len(v.AllowedTypes) == 0 {
		return nil
	}

	contentType := baseType(f.ContentType)
	if contentType == "" {
		contentType = baseType(DetectContentType(f.Name, f.Data))
	}
	if !slices.Contains(v.AllowedTypes, contentType) {
		return &ValidationError{
			FileName: f.Name,
			Message:  fmt.Sprintf("type %s is not allowed", contentType),
			Err:      ErrTypeNotAllowed,
		}
	}

	return nil
}

// DetectContentType sniffs data, falling back to the file extension when
// the content is not recognised.
func DetectContentType(name string, data []byte) string {
	detected := mimetype.Detect(data)
	if !detected.Is("application/octet-stream") {
		return detected.String()
	}

	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return detected.String()
}

// FileFromPath reads a file from disk for attaching.
func FileFromPath(path string) (types.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Upload{}, fmt.Errorf("read attachment: %w", err)
	}

	name := filepath.Base(path)
	return types.Upload{
		Name:        name,
		ContentType: DetectContentType(name, data),
		Data:        data,
	}, nil
}

func baseType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

func formatSize(n int64) string {
	const mb = 1 << 20
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mb)
}
