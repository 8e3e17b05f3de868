package detect

import (
	"path/filepath"
	"strings"

	"github.com/splax/previewd/internal/domain"
)

// Rule names, in evaluation order.
const (
	RuleNode     = "node"
	RulePython   = "python"
	RuleRuby     = "ruby"
	RuleStatic   = "static"
	RuleFallback = "fallback"
	RuleScaffold = "scaffold"
)

const staticServeCommand = `python3 -m http.server "$PORT" --bind 0.0.0.0`

// Rule maps a source tree signature to a profile. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	Name    string
	Matches func(src *source) bool
	Profile func(src *source) domain.ProjectProfile
}

// nodeFrameworks is ordered so that meta-frameworks win over the libraries they bundle.
var nodeFrameworks = []struct {
	dep      string
	name     string
	port     int
	devFlags string
	command  string
}{
	{dep: "next", name: "next", port: 3000, devFlags: ` -- -p "$PORT"`, command: `npx next dev -p "$PORT"`},
	{dep: "nuxt", name: "nuxt", port: 3000, devFlags: ` -- --port "$PORT" --host 0.0.0.0`, command: `npx nuxt dev --port "$PORT" --host 0.0.0.0`},
	{dep: "@sveltejs/kit", name: "sveltekit", port: 5173, devFlags: ` -- --port "$PORT" --host 0.0.0.0`, command: `npx vite dev --port "$PORT" --host 0.0.0.0`},
	{dep: "astro", name: "astro", port: 4321, devFlags: ` -- --port "$PORT" --host 0.0.0.0`, command: `npx astro dev --port "$PORT" --host 0.0.0.0`},
	{dep: "gatsby", name: "gatsby", port: 8000, devFlags: ` -- -p "$PORT" -H 0.0.0.0`, command: `npx gatsby develop -p "$PORT" -H 0.0.0.0`},
	{dep: "vite", name: "vite", port: 5173, devFlags: ` -- --port "$PORT" --host 0.0.0.0`, command: `npx vite --port "$PORT" --host 0.0.0.0`},
	{dep: "react-scripts", name: "create-react-app", port: 3000, command: `npx react-scripts start`},
	{dep: "express", name: "express", port: 3000},
	{dep: "fastify", name: "fastify", port: 3000},
	{dep: "koa", name: "koa", port: 3000},
}

var nodeEntryFiles = []string{"server.js", "index.js", "app.js", "main.js"}

var pythonEntryFiles = []string{"app.py", "main.py", "server.py"}

// Rules returns the detection table in precedence order.
func Rules() []Rule {
	return []Rule{
		{Name: RuleNode, Matches: hasNodeManifest, Profile: nodeProfile},
		{Name: RulePython, Matches: hasPythonManifest, Profile: pythonProfile},
		{Name: RuleRuby, Matches: hasGemfile, Profile: rubyProfile},
		{Name: RuleStatic, Matches: hasIndexHTML, Profile: staticProfile},
		{Name: RuleFallback, Matches: func(*source) bool { return true }, Profile: fallbackProfile},
	}
}

// ScaffoldProfile is used when no source tree was supplied.
func ScaffoldProfile() domain.ProjectProfile {
	return domain.ProjectProfile{
		Kind:         domain.KindStatic,
		Framework:    "scaffold",
		StartCommand: staticServeCommand,
		HTTP:         true,
		Rule:         RuleScaffold,
	}
}

func hasNodeManifest(src *source) bool {
	return src.nodeManifestPresent && src.nodeManifestErr == nil
}

func nodeProfile(src *source) domain.ProjectProfile {
	m := src.nodeManifest
	pm := detectNodePackageManager(src.dir, m)
	profile := domain.ProjectProfile{
		Kind:           domain.KindWebNode,
		InstallCommand: pm.install(),
		HTTP:           true,
		Rule:           RuleNode,
	}

	var framework *struct {
		dep      string
		name     string
		port     int
		devFlags string
		command  string
	}
	for i := range nodeFrameworks {
		if m.hasDependency(nodeFrameworks[i].dep) {
			framework = &nodeFrameworks[i]
			break
		}
	}
	if framework != nil {
		profile.Framework = framework.name
		profile.DeclaredPort = framework.port
	}

	switch {
	case m.script("dev") != "":
		profile.StartCommand = pm.run("dev")
		if framework != nil {
			profile.StartCommand += framework.devFlags
		}
	case m.script("start") != "":
		profile.StartCommand = pm.run("start")
	case nodeEntry(src) != "":
		profile.StartCommand = "node " + nodeEntry(src)
	case framework != nil && framework.command != "":
		profile.StartCommand = framework.command
	default:
		// No framework and nothing to run: serve the tree as static files.
		profile.Framework = "static"
		profile.StartCommand = `npx --yes serve -l "tcp://0.0.0.0:$PORT" .`
	}
	return profile
}

func nodeEntry(src *source) string {
	if main := strings.TrimSpace(src.nodeManifest.Main); main != "" && !filepath.IsAbs(main) && !strings.Contains(main, "..") {
		if src.has(main) {
			return main
		}
	}
	for _, name := range nodeEntryFiles {
		if src.has(name) {
			return name
		}
	}
	return ""
}

func hasPythonManifest(src *source) bool {
	return len(src.pythonManifests) > 0
}

func pythonProfile(src *source) domain.ProjectProfile {
	profile := domain.ProjectProfile{
		Kind:           domain.KindWebPython,
		InstallCommand: pythonInstall(src),
		HTTP:           true,
		Rule:           RulePython,
	}
	entry := ""
	for _, name := range pythonEntryFiles {
		if src.has(name) {
			entry = name
			break
		}
	}
	manifest := src.pythonManifest
	switch {
	case mentionsPackage(manifest, "django") && src.has("manage.py"):
		profile.Framework = "django"
		profile.DeclaredPort = 8000
		profile.StartCommand = `python manage.py runserver "0.0.0.0:$PORT"`
	case mentionsPackage(manifest, "flask") && entry != "":
		profile.Framework = "flask"
		profile.DeclaredPort = 5000
		profile.StartCommand = `python -m flask --app ` + strings.TrimSuffix(entry, ".py") + ` run --debug --host 0.0.0.0 --port "$PORT"`
	case mentionsPackage(manifest, "fastapi") && entry != "":
		profile.Framework = "fastapi"
		profile.DeclaredPort = 8000
		profile.StartCommand = `python -m uvicorn ` + strings.TrimSuffix(entry, ".py") + `:app --reload --host 0.0.0.0 --port "$PORT"`
	case entry != "":
		profile.StartCommand = "python " + entry
	default:
		profile.Framework = "static"
		profile.StartCommand = staticServeCommand
	}
	return profile
}

func pythonInstall(src *source) string {
	switch {
	case src.has("requirements.txt"):
		return "pip install -r requirements.txt"
	case src.has("pyproject.toml"):
		return "pip install ."
	case src.has("Pipfile"):
		return "pip install pipenv && pipenv install --system"
	default:
		return ""
	}
}

func hasGemfile(src *source) bool {
	return src.has("Gemfile")
}

func rubyProfile(src *source) domain.ProjectProfile {
	profile := domain.ProjectProfile{
		Kind:           domain.KindRuby,
		InstallCommand: "bundle install",
		HTTP:           true,
		Rule:           RuleRuby,
	}
	gemfile := readLower(filepath.Join(src.dir, "Gemfile"))
	switch {
	case src.has(filepath.Join("config", "application.rb")) || mentionsPackage(gemfile, "rails"):
		profile.Framework = "rails"
		profile.DeclaredPort = 3000
		profile.StartCommand = `bundle exec rails server -b 0.0.0.0 -p "$PORT"`
	case src.has("config.ru"):
		profile.Framework = "rack"
		profile.DeclaredPort = 9292
		profile.StartCommand = `bundle exec rackup -o 0.0.0.0 -p "$PORT"`
	case src.has("app.rb"):
		profile.Framework = "sinatra"
		profile.DeclaredPort = 4567
		profile.StartCommand = `bundle exec ruby app.rb -o 0.0.0.0 -p "$PORT"`
	default:
		profile.StartCommand = `bundle exec rackup -o 0.0.0.0 -p "$PORT"`
	}
	return profile
}

func hasIndexHTML(src *source) bool {
	return src.has("index.html")
}

func staticProfile(*source) domain.ProjectProfile {
	return domain.ProjectProfile{
		Kind:         domain.KindStatic,
		StartCommand: staticServeCommand,
		HTTP:         true,
		Rule:         RuleStatic,
	}
}

func fallbackProfile(*source) domain.ProjectProfile {
	return domain.ProjectProfile{
		Kind:         domain.KindUnknown,
		Framework:    "static",
		StartCommand: staticServeCommand,
		HTTP:         true,
		Rule:         RuleFallback,
	}
}
