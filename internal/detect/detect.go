package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/previewd/internal/domain"
)

// ErrDetectionAmbiguous is returned alongside a usable fallback profile when
// the source tree carries signals detection could not interpret.
var ErrDetectionAmbiguous = errors.New("project detection ambiguous")

// source is the read-only view of a source tree the rules evaluate.
type source struct {
	dir string

	nodeManifest        *npmManifest
	nodeManifestPresent bool
	nodeManifestErr     error

	pythonManifest  string
	pythonManifests []string
}

func (s *source) has(rel string) bool {
	return fileExists(filepath.Join(s.dir, rel))
}

// Detector classifies source trees using an ordered rule table.
type Detector struct {
	rules []Rule
}

// New constructs a Detector over the default rule table.
func New() *Detector {
	return &Detector{rules: Rules()}
}

// Detect classifies dir with the default rule table.
func Detect(dir string) (domain.ProjectProfile, error) {
	return New().Detect(dir)
}

// Detect returns the profile of the first matching rule. An empty dir yields
// the scaffold profile. When a manifest is present but unreadable, the
// returned profile is still runnable and the error wraps ErrDetectionAmbiguous.
func (d *Detector) Detect(dir string) (domain.ProjectProfile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ScaffoldProfile(), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return domain.ProjectProfile{}, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return domain.ProjectProfile{}, fmt.Errorf("source %s is not a directory", dir)
	}

	src := &source{dir: dir}
	src.nodeManifest, src.nodeManifestPresent, src.nodeManifestErr = loadPackageManifest(dir)
	src.pythonManifest, src.pythonManifests = pythonManifest(dir)

	for _, rule := range d.rules {
		if !rule.Matches(src) {
			continue
		}
		profile := rule.Profile(src)
		if src.nodeManifestErr != nil {
			return profile, fmt.Errorf("%w: package.json: %v", ErrDetectionAmbiguous, src.nodeManifestErr)
		}
		return profile, nil
	}
	// The fallback rule always matches; reaching here means a custom table without one.
	return fallbackProfile(src), ErrDetectionAmbiguous
}
