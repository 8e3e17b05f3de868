package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBranch is used when a caller does not name a branch or workspace.
const DefaultBranch = "workspace"

// State is a deployment lifecycle state.
type State string

const (
	StateCreating State = "Creating"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateError    State = "Error"
)

// Active reports whether the state counts towards the one-active-deployment-per-key rule.
func (s State) Active() bool {
	switch s {
	case StateCreating, StateStarting, StateRunning:
		return true
	default:
		return false
	}
}

// Terminal reports whether the deployment holds no resources in this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateCreating:
		return next == StateStarting || next == StateError || next == StateStopping
	case StateStarting:
		return next == StateRunning || next == StateError || next == StateStopping
	case StateRunning:
		return next == StateStopping || next == StateError
	case StateStopping:
		return next == StateStopped
	case StateStopped:
		return next == StateCreating
	case StateError:
		return next == StateCreating || next == StateStopped
	default:
		return false
	}
}

// Key identifies a deployment by team and branch.
type Key struct {
	TeamID string
	Branch string
}

// NewKey normalises the team and branch, defaulting the branch.
func NewKey(teamID, branch string) Key {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = DefaultBranch
	}
	return Key{TeamID: strings.TrimSpace(teamID), Branch: branch}
}

// ParseKey splits a "team:branch" string.
func ParseKey(raw string) (Key, error) {
	team, branch, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(team) == "" {
		return Key{}, fmt.Errorf("invalid deployment key %q", raw)
	}
	return NewKey(team, branch), nil
}

// String renders the key as "team:branch".
func (k Key) String() string {
	return k.TeamID + ":" + k.Branch
}

// Validate ensures the key can be used as a route segment.
func (k Key) Validate() error {
	if k.TeamID == "" {
		return fmt.Errorf("team id required")
	}
	for _, part := range []string{k.TeamID, k.Branch} {
		if strings.ContainsAny(part, "/:?#% \t\n") || part == "." || part == ".." {
			return fmt.Errorf("invalid key segment %q", part)
		}
	}
	return nil
}

// ProjectKind enumerates detected project profiles.
type ProjectKind string

const (
	KindWebNode   ProjectKind = "web-node"
	KindWebPython ProjectKind = "web-python"
	KindRuby      ProjectKind = "ruby"
	KindStatic    ProjectKind = "static"
	KindUnknown   ProjectKind = "unknown"
)

// ProjectProfile is the immutable result of project detection.
type ProjectProfile struct {
	Kind           ProjectKind `json:"kind"`
	Framework      string      `json:"framework,omitempty"`
	StartCommand   string      `json:"start_command"`
	InstallCommand string      `json:"install_command,omitempty"`
	DeclaredPort   int         `json:"declared_port,omitempty"`
	HTTP           bool        `json:"http"`
	Rule           string      `json:"rule"`
}

// Deployment is one orchestrated preview instance.
type Deployment struct {
	Key           Key            `json:"-"`
	State         State          `json:"state"`
	Profile       ProjectProfile `json:"profile"`
	Port          int            `json:"port,omitempty"`
	PublicPath    string         `json:"public_path,omitempty"`
	ProxyTarget   string         `json:"proxy_target,omitempty"`
	URL           string         `json:"url,omitempty"`
	Handle        string         `json:"handle,omitempty"`
	Backend       string         `json:"backend,omitempty"`
	RepoURL       string         `json:"repo_url,omitempty"`
	SourceDir     string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastHealthyAt *time.Time     `json:"last_healthy_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// PortLease records a temporary exclusive claim on a port.
type PortLease struct {
	Port     int       `json:"port"`
	Owner    string    `json:"owner"`
	LeasedAt time.Time `json:"leased_at"`
}

// PreviewSpec is the persisted minimum needed to restart a key.
type PreviewSpec struct {
	Key       Key
	RepoURL   string
	UpdatedAt time.Time
}
