// Package blob stores generated and uploaded images under opaque filenames
// and builds the public URLs they are served from.
package blob

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("blob: not found")
	ErrInvalidName = errors.New("blob: invalid name")
)

// Store is implemented by every blob backend. Names are bare filenames.
type Store interface {
	Save(ctx context.Context, data []byte, contentType string) (string, error)
	Read(ctx context.Context, name string) ([]byte, string, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ExtensionFor maps a content type to a file extension, ".bin" when unknown.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return ".bin"
}

// ContentTypeForName maps a filename's extension to a content type.
func ContentTypeForName(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// NewName returns a fresh random filename for the content type.
func NewName(contentType string) string {
	return uuid.NewString() + ExtensionFor(contentType)
}

// ValidName reports whether name is a bare filename safe to use as a key.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// FilenameFromURL extracts the last path segment of a media URL. It only
// succeeds when that segment has an extension.
func FilenameFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	name := path.Base(u.Path)
	if !ValidName(name) || path.Ext(name) == "" {
		return "", false
	}
	return name, true
}

// MediaURL is the public URL a stored file is served from.
func MediaURL(baseURL, name string) string {
	return strings.TrimRight(baseURL, "/") + "/media/" + url.PathEscape(name)
}
