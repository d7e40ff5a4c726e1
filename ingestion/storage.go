package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	pkgError "github.com/charla-io/charla/pkg/error"
)

// allowedMimeTypes is the upload allow-list. The key is the declared type,
// the value whether content sniffing can confirm it (text-ish formats sniff
// as text/plain and are accepted as such).
var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"application/json": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword": true,
}

// FileStore writes uploads to per-workspace directories and hashes them on
// the way through.
type FileStore struct {
	root        string
	maxBytes    int64
	strictSniff bool
}

func NewFileStore(root string, maxBytes int64, strictSniff bool) *FileStore {
	return &FileStore{root: root, maxBytes: maxBytes, strictSniff: strictSniff}
}

// StoredFile is the result of a streaming write.
type StoredFile struct {
	Path   string
	SHA256 string
	Bytes  int64
}

// ValidateMime rejects types outside the allow-list.
func (s *FileStore) ValidateMime(mimeType string) error {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if !allowedMimeTypes[base] {
		return pkgError.UnsupportedMediaError(fmt.Sprintf("tipo no permitido: %s", base))
	}
	return nil
}

// Write streams src to disk under the workspace directory, enforcing the
// size cap and computing the SHA256 of the stored bytes.
func (s *FileStore) Write(workspaceID, filename string, src io.Reader) (*StoredFile, error) {
	dir := filepath.Join(s.root, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(filename))
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	// Un byte extra para detectar el desborde sin leer el resto.
	limited := io.LimitReader(src, s.maxBytes+1)
	written, err := io.Copy(io.MultiWriter(dst, hasher), limited)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, pkgError.PayloadTooLargeError(fmt.Sprintf("el archivo supera %d bytes", s.maxBytes))
	}

	return &StoredFile{
		Path:   path,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
		Bytes:  written,
	}, nil
}

// SniffMime confirms the stored bytes against the declared type. Only
// meaningful under strict mode; otherwise the declared type wins.
func (s *FileStore) SniffMime(path, declared string) error {
	if !s.strictSniff {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return err
	}
	detected := http.DetectContentType(head[:n])
	base := strings.SplitN(detected, ";", 2)[0]

	declaredBase := strings.SplitN(declared, ";", 2)[0]
	if base == declaredBase {
		return nil
	}
	// Los formatos de texto (csv, json) se detectan como text/plain.
	if strings.HasPrefix(base, "text/") && strings.HasPrefix(declaredBase, "text/") {
		return nil
	}
	if base == "text/plain" && (declaredBase == "application/json" || declaredBase == "text/csv") {
		return nil
	}
	// Los docx son contenedores zip.
	if base == "application/zip" && strings.Contains(declaredBase, "officedocument") {
		return nil
	}
	return pkgError.UnsupportedMediaError(fmt.Sprintf("el contenido no coincide con %s", declared))
}

// Remove deletes the stored bytes; missing files are not an error.
func (s *FileStore) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
