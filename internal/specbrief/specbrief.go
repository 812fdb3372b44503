// Package specbrief renders, parses and files spec-brief markdown documents.
package specbrief

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const maxSlugLen = 60

// Slugify lowercases s, keeps ASCII letters and digits and joins the words
// with single hyphens.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v':
			pendingDash = true
		}
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// Brief is the content of a rendered spec-brief file.
type Brief struct {
	ID          string
	Title       string
	Description string
	Source      string
	SourceRef   string
	Priority    string
	Complexity  string
	ApprovedAt  string
	Bullets     []string
	Notes       string
}

// Render produces the markdown for b.
func Render(b Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", b.Title)
	meta := []struct{ k, v string }{
		{"Brief ID", b.ID},
		{"Source", joinSource(b.Source, b.SourceRef)},
		{"Priority", b.Priority},
		{"Complexity", b.Complexity},
		{"Approved", b.ApprovedAt},
	}
	for _, m := range meta {
		if m.v == "" {
			continue
		}
		fmt.Fprintf(&sb, "**%s:** %s\n", m.k, m.v)
	}
	sb.WriteString("\n## Description\n\n")
	desc := strings.TrimSpace(b.Description)
	if desc == "" {
		desc = b.Title
	}
	sb.WriteString(desc)
	sb.WriteString("\n")
	if len(b.Bullets) > 0 {
		sb.WriteString("\n")
		for _, item := range b.Bullets {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
	}
	if notes := strings.TrimSpace(b.Notes); notes != "" {
		fmt.Fprintf(&sb, "\n## Notes\n\n%s\n", notes)
	}
	return sb.String()
}

func joinSource(source, ref string) string {
	switch {
	case source == "":
		return ref
	case ref == "":
		return source
	default:
		return source + " (" + ref + ")"
	}
}

// WriteIfAbsent creates dir/name with content unless it already exists.
// created is false when an existing file was left in place.
func WriteIfAbsent(dir, name, content string) (path string, created bool, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	path = filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return path, false, nil
		}
		return "", false, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", false, err
	}
	if err := f.Close(); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Archive moves path into archiveDir under the same base name and returns
// the new location.
func Archive(path, archiveDir string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(archiveDir, filepath.Base(path))
	err := os.Rename(path, dest)
	if err == nil {
		return dest, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", err
	}
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Humanize turns a file name like fast-cache_layer.md into "Fast cache layer".
func Humanize(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		return ""
	}
	return strings.ToUpper(base[:1]) + base[1:]
}
