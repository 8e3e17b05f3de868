package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/previewd/pkg/api/client"
	jwtpkg "github.com/splax/previewd/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	TeamID      string `json:"team_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

var buildVersion = "dev"

const defaultAPIBaseURL = "http://localhost:4100"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "token":
		err = commandToken(args)
	case "create", "up":
		err = commandCreate(args)
	case "status":
		err = commandStatus(args)
	case "stop", "down":
		err = commandStop(args)
	case "restart":
		err = commandRestart(args)
	case "logs":
		err = commandLogs(args)
	case "list", "ls":
		err = commandList(args)
	case "stats":
		err = commandStats(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "Orchestrator base URL (default "+defaultAPIBaseURL+")")
	teamID := fs.String("team", "", "Team identifier, sent as X-Team-ID")
	token := fs.String("token", "", "Team bearer token (prompted when omitted and --team is empty)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	cfg.TeamID = strings.TrimSpace(*teamID)

	secret := strings.TrimSpace(*token)
	if secret == "" && cfg.TeamID == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--team or --token is required")
		}
		fmt.Print("Token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	cfg.AccessToken = secret

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Stats(ctx); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// commandToken mints a team token for orchestrators running with
// PREVIEW_JWT_SECRET.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier")
	userID := fs.String("user", "", "User identifier (optional)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if strings.TrimSpace(*teamID) == "" {
		return errors.New("--team is required")
	}
	secret := strings.TrimSpace(os.Getenv("PREVIEW_JWT_SECRET"))
	if secret == "" {
		return errors.New("PREVIEW_JWT_SECRET must be set")
	}
	token, err := jwtpkg.IssueTeamToken(*teamID, *userID, secret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func commandCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name (default workspace)")
	repo := fs.String("repo", "", "Repository URL to clone (optional)")
	jsonOut := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dep, err := client.Create(ctx, *branch, *repo)
	if err != nil {
		return err
	}
	if wantJSON(*jsonOut) {
		return printJSON(dep)
	}
	fmt.Printf("%s %s on port %d\n%s\n", dep.Key, dep.Status, dep.Port, dep.URL)
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name (default workspace)")
	jsonOut := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := client.Status(ctx, *branch)
	if err != nil {
		return err
	}
	if wantJSON(*jsonOut) {
		return printJSON(st)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "key\t%s\n", st.Key)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	if st.Port != 0 {
		fmt.Fprintf(w, "port\t%d\n", st.Port)
	}
	if st.URL != "" {
		fmt.Fprintf(w, "url\t%s\n", st.URL)
	}
	if st.Backend != "" {
		fmt.Fprintf(w, "backend\t%s (%s)\n", st.Backend, st.Handle)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "last error\t%s\n", st.LastError)
	}
	if st.LastHealthyAt != nil {
		fmt.Fprintf(w, "healthy at\t%s\n", st.LastHealthyAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name (default workspace)")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	state, err := client.Stop(ctx, *branch)
	if err != nil {
		return err
	}
	fmt.Printf("stopped (%s)\n", state)
	return nil
}

func commandRestart(args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name (default workspace)")
	jsonOut := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dep, err := client.Restart(ctx, *branch)
	if err != nil {
		return err
	}
	if wantJSON(*jsonOut) {
		return printJSON(dep)
	}
	fmt.Printf("%s %s on port %d\n", dep.Key, dep.Status, dep.Port)
	if dep.PortChanged {
		fmt.Printf("port changed from %d\n", dep.PreviousPort)
	}
	fmt.Println(dep.URL)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	branch := fs.String("branch", "", "Branch name (default workspace)")
	tail := fs.Int("tail", 200, "Number of lines")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	lines, err := client.Logs(ctx, *branch, *tail)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.Deployments(ctx)
	if err != nil {
		return err
	}
	if wantJSON(*jsonOut) {
		return printJSON(deployments)
	}
	return printDeployments(os.Stdout, deployments)
}

func commandStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}
	if wantJSON(*jsonOut) {
		return printJSON(stats)
	}
	fmt.Printf("ports [%d, %d): %d leased, %d free\n", stats.MinPort, stats.MaxPort, stats.Leased, stats.Free)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, lease := range stats.Leases {
		fmt.Fprintf(w, "%d\t%s\t%s\n", lease.Port, lease.Owner, lease.LeasedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printDeployments(out io.Writer, deployments []apiclient.Deployment) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tSTATUS\tPORT\tURL\tERROR")
	for _, dep := range deployments {
		port := "-"
		if dep.Port != 0 {
			port = fmt.Sprint(dep.Port)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", dep.Branch, dep.Status, port, dep.URL, dep.LastError)
	}
	return w.Flush()
}

// wantJSON prints JSON when asked or when stdout is not a terminal.
func wantJSON(flagged bool) bool {
	return flagged || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("PREVIEW_TEAM")); env != "" {
		cfg.TeamID = env
	}
	if env := strings.TrimSpace(os.Getenv("PREVIEW_TOKEN")); env != "" {
		cfg.AccessToken = env
	}
	if cfg.TeamID == "" && cfg.AccessToken == "" {
		return nil, errors.New("please login first using 'preview login'")
	}
	return newClient(cfg)
}

func newClient(cfg cliConfig) (*apiclient.Client, error) {
	return apiclient.New(cfg.APIBaseURL, apiclient.WithTeam(cfg.TeamID), apiclient.WithToken(cfg.AccessToken))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv("PREVIEW_CONFIG")); custom != "" {
		return custom, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "previewd", "config.json"), nil
}

func printUsage() {
	fmt.Printf("preview CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	preview login [--api http://localhost:4100] (--team <team-id> | --token <jwt>)
	preview token --team <team-id> [--user <user-id>] [--ttl 24h]
	preview create [--branch name] [--repo url] [--json]
	preview status [--branch name] [--json]
	preview stop [--branch name]
	preview restart [--branch name] [--json]
	preview logs [--branch name] [--tail N]
	preview list [--json]
	preview stats [--json]
	preview version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
