package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/postkeep/postkeep/internal/model"
)

// VaultStorage persists documents as markdown notes with YAML frontmatter
// under a vault root directory.
type VaultStorage struct {
	BaseLifecycle
	root string
}

// NewVaultStorage creates a Storage rooted at dir.
func NewVaultStorage(root string) *VaultStorage {
	return &VaultStorage{root: root}
}

// Root returns the vault root directory.
func (v *VaultStorage) Root() string { return v.root }

// MediaDir returns the directory media attachments are saved under.
func (v *VaultStorage) MediaDir() string { return filepath.Join(v.root, "_media") }

func (v *VaultStorage) Initialize(context.Context) error {
	if err := os.MkdirAll(v.root, 0o755); err != nil {
		return eris.Wrapf(err, "vault: create root %s", v.root)
	}
	return nil
}

func (v *VaultStorage) Healthy(context.Context) bool {
	info, err := os.Stat(v.root)
	return err == nil && info.IsDir()
}

func (v *VaultStorage) SavePost(ctx context.Context, post *model.Post, doc *model.Document, strategy string) (string, error) {
	dir := v.dirFor(post, strategy)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "vault: create dir %s", dir)
	}

	path := filepath.Join(dir, noteFileName(post))
	content, err := renderDocument(doc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", eris.Wrapf(err, "vault: write %s", path)
	}
	return path, nil
}

func (v *VaultStorage) DeleteFile(ctx context.Context, path string) error {
	root := filepath.Clean(v.root) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(path), root) {
		return eris.Errorf("vault: refusing to delete outside vault: %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "vault: delete %s", path)
	}
	return nil
}

func (v *VaultStorage) dirFor(post *model.Post, strategy string) string {
	switch strategy {
	case "by-platform":
		return filepath.Join(v.root, string(post.Platform))
	case "by-date":
		return filepath.Join(v.root,
			fmt.Sprintf("%04d", post.PostedAt.Year()),
			fmt.Sprintf("%02d", post.PostedAt.Month()),
		)
	default: // "flat"
		return v.root
	}
}

func noteFileName(post *model.Post) string {
	return fmt.Sprintf("%s-%s-%s.md",
		post.Platform, sanitizeName(post.Author), sanitizeName(post.ID))
}

// sanitizeName strips characters that are unsafe in filenames.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// renderDocument serializes a document as YAML frontmatter followed by
// the markdown body.
func renderDocument(doc *model.Document) ([]byte, error) {
	var buf bytes.Buffer
	if len(doc.Frontmatter) > 0 {
		fm, err := yaml.Marshal(doc.Frontmatter)
		if err != nil {
			return nil, eris.Wrap(err, "vault: marshal frontmatter")
		}
		buf.WriteString("---\n")
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}
	if doc.Title != "" {
		buf.WriteString("# " + doc.Title + "\n\n")
	}
	buf.WriteString(doc.Body)
	if !strings.HasSuffix(doc.Body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}
