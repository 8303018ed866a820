package templates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// maxTemplateBytes caps report template files.
const maxTemplateBytes = 64 << 10

// Sandbox confines report template lookups to the configured templates folder.
type Sandbox struct {
	root string
}

// NewSandbox roots the sandbox at dir. The directory must exist; symlinks in
// the root are resolved once so later containment checks compare canonical paths.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: templates folder required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve folder: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval folder symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical templates folder.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps name onto a file inside the templates folder. Relative names are
// joined to the root; absolute names are accepted only when they land inside it.
func (s *Sandbox) Resolve(name string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	cleaned := filepath.Clean(name)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		// missing files still get the containment check so traversal is reported as such
		if errors.Is(err, os.ErrNotExist) && !s.contains(cleaned) {
			return "", fmt.Errorf("templates: path %q escapes sandbox", name)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", name, err)
	}
	if !s.contains(evaluated) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", name)
	}
	return evaluated, nil
}

// ReadTemplate resolves name and returns its contents. Directories and files
// larger than maxTemplateBytes are refused.
func (s *Sandbox) ReadTemplate(name string) (string, []byte, error) {
	resolved, err := s.Resolve(name)
	if err != nil {
		return "", nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", nil, fmt.Errorf("templates: open %q: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("templates: stat %q: %w", name, err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("templates: %q is a directory", name)
	}
	if info.Size() > maxTemplateBytes {
		return "", nil, fmt.Errorf("templates: %q exceeds %d bytes", name, maxTemplateBytes)
	}
	contents, err := io.ReadAll(io.LimitReader(f, maxTemplateBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("templates: read %q: %w", name, err)
	}
	if len(contents) > maxTemplateBytes {
		return "", nil, fmt.Errorf("templates: %q exceeds %d bytes", name, maxTemplateBytes)
	}
	return resolved, contents, nil
}

func (s *Sandbox) contains(candidate string) bool {
	root := s.root
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		candidate = strings.ToLower(candidate)
	}
	if root == candidate {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, root)
}
