package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateSendsTeamAndBranch(t *testing.T) {
	var gotTeam, gotAuth string
	var gotBody branchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/create" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotTeam = r.Header.Get("X-Team-ID")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key": "t1:main", "status": "Running", "port": 7001, "url": "http://localhost:4100/preview/t1/main/",
		})
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithTeam("t1"), WithToken("tok"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dep, err := cli.Create(context.Background(), "main", "https://example.com/r.git")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dep.Port != 7001 || dep.Status != "Running" || dep.Key != "t1:main" {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	if gotTeam != "t1" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth headers team=%q auth=%q", gotTeam, gotAuth)
	}
	if gotBody.Branch != "main" || gotBody.RepoURL != "https://example.com/r.git" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestLaunchFailureSurfacesLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "launch failure", "status": "Error", "last_error": "exit status 1",
		})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Create(context.Background(), "", "")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.State != "Error" || apiErr.LastError != "exit status 1" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if got := apiErr.Error(); got != "api request failed (502): launch failure: exit status 1" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestLogsAndStatusQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logs/feature":
			if r.URL.Query().Get("tail") != "25" {
				t.Errorf("unexpected tail %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"lines": []string{"one", "two"}})
		case "/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"key": "t1:" + r.URL.Query().Get("branch"), "state": "none"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cli, _ := New(srv.URL, WithTeam("t1"))
	lines, err := cli.Logs(context.Background(), "feature", 25)
	if err != nil || len(lines) != 2 {
		t.Fatalf("logs: %v %v", lines, err)
	}
	st, err := cli.Status(context.Background(), "feature")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "none" || st.Key != "t1:feature" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base %q", cli.baseURL)
	}
	def, _ := New("")
	if def.baseURL != defaultBaseURL {
		t.Fatalf("unexpected default base %q", def.baseURL)
	}
}
