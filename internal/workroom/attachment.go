package workroom

import (
	"net/url"
	"path"
	"strings"
)

// Candidate keys probed, in order, when an attachment arrives as an object.
var (
	AttachmentURLKeys  = []string{"url", "secure_url", "secureUrl", "fileUrl", "file_url", "src", "href", "path", "location"}
	AttachmentNameKeys = []string{"name", "filename", "fileName", "file_name", "originalName", "original_name", "title"}
	AttachmentTypeKeys = []string{"kind", "type", "mimeType", "mime_type", "mimetype", "contentType", "content_type", "resource_type"}
)

var (
	imageExtensions = map[string]bool{"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true}
	videoExtensions = map[string]bool{"mp4": true, "webm": true, "mov": true}
)

// NormalizeAttachment maps a raw file reference to an Attachment. The raw value
// may be a bare URL string or an object using any of the recognised key
// spellings. ok is false when no URL can be resolved.
func NormalizeAttachment(raw any) (Attachment, bool) {
	switch v := raw.(type) {
	case string:
		u := strings.TrimSpace(v)
		if u == "" {
			return Attachment{}, false
		}
		name := baseName(u)
		return Attachment{URL: u, Name: name, Kind: inferKind("", name, u)}, true
	case map[string]any:
		u, ok := firstString(v, AttachmentURLKeys)
		if !ok {
			return Attachment{}, false
		}
		name, ok := firstString(v, AttachmentNameKeys)
		if !ok {
			name = baseName(u)
		}
		declared, _ := firstString(v, AttachmentTypeKeys)
		return Attachment{URL: u, Name: name, Kind: inferKind(declared, name, u)}, true
	case Attachment:
		if v.URL == "" {
			return Attachment{}, false
		}
		if v.Name == "" {
			v.Name = baseName(v.URL)
		}
		if v.Kind == "" {
			v.Kind = inferKind("", v.Name, v.URL)
		}
		return v, true
	}
	return Attachment{}, false
}

// NormalizeAttachments normalises a list of raw references, dropping the ones
// without a resolvable URL. A single non-list value is treated as a list of one.
func NormalizeAttachments(raw any) []Attachment {
	var items []any
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		items = []any{v}
	}
	var out []Attachment
	for _, item := range items {
		if a, ok := NormalizeAttachment(item); ok {
			out = append(out, a)
		}
	}
	return out
}

func inferKind(declared, name, rawURL string) Kind {
	d := strings.ToLower(declared)
	switch {
	case d == string(KindImage) || strings.Contains(d, "image"):
		return KindImage
	case d == string(KindVideo) || strings.Contains(d, "video"):
		return KindVideo
	}
	for _, candidate := range []string{name, rawURL} {
		ext := extension(candidate)
		if imageExtensions[ext] {
			return KindImage
		}
		if videoExtensions[ext] {
			return KindVideo
		}
	}
	return KindFile
}

func extension(s string) string {
	s = stripQuery(s)
	i := strings.LastIndexByte(s, '.')
	if i < 0 || i == len(s)-1 {
		return ""
	}
	ext := s[i+1:]
	if strings.ContainsRune(ext, '/') {
		return ""
	}
	return strings.ToLower(ext)
}

func baseName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if name := path.Base(u.Path); name != "/" && name != "." {
			if unescaped, err := url.PathUnescape(name); err == nil {
				return unescaped
			}
			return name
		}
	}
	s := strings.TrimRight(stripQuery(rawURL), "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
