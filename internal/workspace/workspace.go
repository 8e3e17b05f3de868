package workspace

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/splax/previewd/internal/domain"
)

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// DirFor returns the directory reserved for key.
func (m *Manager) DirFor(key domain.Key) string {
	team := unsafeSegment.ReplaceAllString(key.TeamID, "_")
	branch := unsafeSegment.ReplaceAllString(key.Branch, "_")
	return filepath.Join(m.root, team, branch)
}

// Prepare recreates an empty directory for key.
func (m *Manager) Prepare(key domain.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("workspace identifier: %w", err)
	}
	dir := m.DirFor(key)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

var scaffoldPage = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.TeamID}} / {{.Branch}}</title>
</head>
<body>
<h1>Preview ready</h1>
<p>Team <code>{{.TeamID}}</code>, branch <code>{{.Branch}}</code>.</p>
<p>Push code to this workspace and restart the preview to see it here.</p>
</body>
</html>
`))

// WriteScaffold writes the placeholder site served when no source tree is supplied.
func (m *Manager) WriteScaffold(dir string, key domain.Key) error {
	if err := m.within(dir); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "index.html"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create scaffold: %w", err)
	}
	if err := scaffoldPage.Execute(f, key); err != nil {
		f.Close()
		return fmt.Errorf("render scaffold: %w", err)
	}
	return f.Close()
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.within(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (m *Manager) within(path string) error {
	// Only directories strictly inside the configured root are managed.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to touch path outside workspace root")
	}
	return nil
}
