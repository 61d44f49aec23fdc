package engine

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// MetadataName is shown for downloads that only fetch torrent metadata.
const MetadataName = "Metadata"

const metadataPrefix = "[METADATA]"

// FindFilePath returns the file that names a download: the first file with a
// local path, or the first file when none has been resolved yet.
func FindFilePath(files []File) (File, bool) {
	for _, f := range files {
		if f.Path != "" {
			return f, true
		}
	}

	if len(files) > 0 {
		return files[0], true
	}

	return File{}, false
}

// FileName resolves the display name of f for a download stored in dir.
func FileName(f File, dir string) string {
	if f.Path == "" {
		if len(f.URIs) > 0 {
			return nameFromURI(f.URIs[0])
		}

		return "Unknown"
	}

	if strings.HasPrefix(f.Path, metadataPrefix) || strings.HasPrefix(filepath.Base(f.Path), metadataPrefix) {
		return MetadataName
	}

	return filepath.Base(TopLevelPath(f.Path, dir))
}

// TopLevelPath returns the entry directly below dir that contains p: the file
// itself for single-file downloads, the top directory for multi-file ones.
// Paths outside dir are returned unchanged.
func TopLevelPath(p, dir string) string {
	if dir == "" {
		return p
	}

	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}

	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")

	return filepath.Join(dir, first)
}

func nameFromURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.Scheme == "magnet" {
		if dn := u.Query().Get("dn"); dn != "" {
			return dn
		}

		return raw
	}

	if u.Path == "" || u.Path == "/" {
		return raw
	}

	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}

	return name
}
