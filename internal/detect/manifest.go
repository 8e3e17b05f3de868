package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

func (pm nodePackageManager) String() string {
	if pm == "" {
		return string(nodePMNPM)
	}
	return string(pm)
}

func (pm nodePackageManager) install() string {
	switch pm {
	case nodePMYarn:
		return "corepack enable && yarn install"
	case nodePMPNPM:
		return "corepack enable && pnpm install"
	default:
		return "npm install"
	}
}

// run renders the command that invokes a package.json script.
func (pm nodePackageManager) run(script string) string {
	switch pm {
	case nodePMYarn:
		return "yarn " + script
	case nodePMPNPM:
		return "pnpm run " + script
	default:
		if script == "start" {
			return "npm start"
		}
		return "npm run " + script
	}
}

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Main            string            `json:"main"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

func (m *npmManifest) script(name string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Scripts[name])
}

// loadPackageManifest reports whether package.json exists and whether it parsed.
func loadPackageManifest(dir string) (*npmManifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false, nil
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, true, err
	}
	if manifest.Dependencies == nil {
		manifest.Dependencies = map[string]string{}
	}
	if manifest.DevDependencies == nil {
		manifest.DevDependencies = map[string]string{}
	}
	if manifest.Scripts == nil {
		manifest.Scripts = map[string]string{}
	}
	return &manifest, true, nil
}

func detectNodePackageManager(dir string, manifest *npmManifest) nodePackageManager {
	if manifest != nil {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

// pythonManifest concatenates the lowercase contents of the Python dependency manifests present.
func pythonManifest(dir string) (string, []string) {
	var (
		b     strings.Builder
		found []string
	)
	for _, name := range []string{"requirements.txt", "pyproject.toml", "Pipfile"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		found = append(found, name)
		b.WriteString(strings.ToLower(string(data)))
		b.WriteByte('\n')
	}
	return b.String(), found
}

// mentionsPackage looks for a dependency name at a token boundary in manifest text.
func mentionsPackage(manifest, name string) bool {
	idx := 0
	for {
		pos := strings.Index(manifest[idx:], name)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(name)
		if (start == 0 || !isNameRune(manifest[start-1])) && (end == len(manifest) || !isNameRune(manifest[end])) {
			return true
		}
		idx = end
	}
}

func isNameRune(c byte) bool {
	return c == '_' || c == '-' || c == '.' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readLower(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}
