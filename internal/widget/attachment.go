package widget

import (
	"mime"
	"path/filepath"
	"strings"

	"livechat-widget/internal/domain"
	"livechat-widget/internal/transport"
)

const DefaultMaxFileSize int64 = 10 * 1024 * 1024

var DefaultAllowedFileTypes = []string{
	"image/*",
	"application/pdf",
	".doc", ".docx",
	".xls", ".xlsx",
	".txt",
	".zip", ".rar",
}

// validateUpload checks a file against the size cap and the allow-list.
// Patterns are "type/*", an exact MIME type, or a ".ext" suffix.
func validateUpload(file transport.Upload, maxSize int64, allowed []string) error {
	if maxSize > 0 && file.Size > maxSize {
		return &transport.UploadError{Reason: transport.UploadOversize, Err: transport.ErrOversize}
	}
	if len(allowed) == 0 {
		return nil
	}
	contentType := uploadContentType(file)
	ext := strings.ToLower(filepath.Ext(file.Name))
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
		case strings.HasPrefix(pattern, "."):
			if ext == pattern {
				return nil
			}
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(contentType, strings.TrimSuffix(pattern, "*")) {
				return nil
			}
		case contentType == pattern:
			return nil
		}
	}
	return &transport.UploadError{Reason: transport.UploadDisallowedType, Err: transport.ErrDisallowedType}
}

// uploadContentType falls back to the extension when the caller gave no
// MIME type.
func uploadContentType(file transport.Upload) string {
	contentType := file.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(file.Name))
	}
	if media, _, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(media)
	}
	return strings.ToLower(contentType)
}

func attachmentKind(file transport.Upload) domain.MessageKind {
	if strings.HasPrefix(uploadContentType(file), "image/") {
		return domain.KindImage
	}
	return domain.KindFile
}
