package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManifestEntry records one deposited file.
type ManifestEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

// Manifest is written alongside the deposited files.
type Manifest struct {
	CreatedAt time.Time       `json:"createdAt"`
	Files     []ManifestEntry `json:"files"`
}

// File is one incoming upload.
type File struct {
	Name   string
	Reader io.Reader
}

// slugify reduces a filename to the lowercase-hyphen form used in deposit
// directory names.
func slugify(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "files"
	}
	if len(slug) > 32 {
		slug = slug[:32]
	}
	return slug
}

// sniffMIME detects a file's content type from its leading bytes.
func sniffMIME(head []byte) string {
	return http.DetectContentType(head)
}

// Deposit writes the uploaded files into a fresh mise deposit folder under
// folderPath and records a manifest. Filenames containing path separators
// are rejected outright; per-file sniff surprises are returned as warnings.
func Deposit(folderPath string, files []File) (string, *Manifest, []string, error) {
	if len(files) == 0 {
		return "", nil, nil, fmt.Errorf("no files to deposit")
	}
	for _, f := range files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) || strings.HasPrefix(f.Name, ".") {
			return "", nil, nil, fmt.Errorf("invalid upload filename %q", f.Name)
		}
	}

	slug := slugify(files[0].Name)
	shortID := uuid.NewString()[:8]
	dirName := fmt.Sprintf("upload--%s--%s", slug, shortID)
	depositDir := filepath.Join(folderPath, "mise", dirName)
	if err := os.MkdirAll(depositDir, 0o755); err != nil {
		return "", nil, nil, err
	}

	manifest := &Manifest{CreatedAt: time.Now().UTC()}
	var warnings []string

	for _, f := range files {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f.Reader, head)
		head = head[:n]
		mime := sniffMIME(head)

		declaredExt := strings.ToLower(filepath.Ext(f.Name))
		if declaredExt != "" && !extMatchesMIME(declaredExt, mime) {
			warnings = append(warnings, fmt.Sprintf("%s: extension %s does not match sniffed type %s", f.Name, declaredExt, mime))
		}

		dst, err := os.Create(filepath.Join(depositDir, f.Name))
		if err != nil {
			return "", nil, warnings, err
		}
		size := int64(0)
		if n > 0 {
			if _, err := dst.Write(head); err != nil {
				dst.Close()
				return "", nil, warnings, err
			}
			size += int64(n)
		}
		copied, err := io.Copy(dst, f.Reader)
		dst.Close()
		if err != nil {
			return "", nil, warnings, err
		}
		size += copied

		manifest.Files = append(manifest.Files, ManifestEntry{
			Name: f.Name,
			Size: size,
			MIME: mime,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", nil, warnings, err
	}
	if err := os.WriteFile(filepath.Join(depositDir, "manifest.json"), data, 0o644); err != nil {
		return "", nil, warnings, err
	}

	return dirName, manifest, warnings, nil
}

// extMatchesMIME is a coarse consistency check between a declared extension
// and the sniffed content type.
func extMatchesMIME(ext, mime string) bool {
	mime = strings.SplitN(mime, ";", 2)[0]
	switch ext {
	case ".png":
		return mime == "image/png"
	case ".jpg", ".jpeg":
		return mime == "image/jpeg"
	case ".gif":
		return mime == "image/gif"
	case ".pdf":
		return mime == "application/pdf"
	case ".zip":
		return mime == "application/zip"
	case ".txt", ".md", ".csv", ".json", ".yaml", ".yml", ".go", ".py", ".js", ".ts":
		return strings.HasPrefix(mime, "text/") || mime == "application/json"
	default:
		return true
	}
}
