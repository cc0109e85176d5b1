package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HerbHall/pulsewatch/internal/auth"
	"github.com/HerbHall/pulsewatch/internal/pulse"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// testEnv writes a config pointing at a temp database and returns its path.
func testEnv(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	configPath = filepath.Join(dir, "pulsewatch.yaml")
	writeFile(t, configPath, fmt.Sprintf(`
logging:
  level: error
database:
  path: %s
stream:
  token_secret: test-secret
  token_ttl: 1h
`, filepath.Join(dir, "data", "pw.db")))
	return dir, configPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenTick(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	dir, cfg := testEnv(t)
	catalog := filepath.Join(dir, "catalog.yaml")
	writeFile(t, catalog, fmt.Sprintf(`
tenants:
  - id: acme
    email: ops@acme.test
endpoints:
  - id: acme-api
    tenant: acme
    url: %s
    rules:
      - id: acme-api-status
        type: status_code
        threshold:
          expected_codes: [200]
        channels: [email]
`, target.URL))

	out, err := run(t, "--config", cfg, "seed", catalog)
	if err != nil {
		t.Fatalf("seed error = %v, output = %s", err, out)
	}
	if !strings.Contains(out, "seeded") {
		t.Errorf("seed output = %q", out)
	}

	out, err = run(t, "--config", cfg, "tick")
	if err != nil {
		t.Fatalf("tick error = %v, output = %s", err, out)
	}
	var summary pulse.TickSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", out, err)
	}
	if summary.Due != 1 || summary.Checked != 1 || summary.Succeeded != 1 || summary.AlertsTriggered != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// The endpoint was just checked, so a second tick finds nothing due.
	out, err = run(t, "--config", cfg, "tick")
	if err != nil {
		t.Fatalf("second tick error = %v", err)
	}
	summary = pulse.TickSummary{}
	_ = json.Unmarshal([]byte(out), &summary)
	if summary.Due != 0 {
		t.Errorf("second tick due = %d, want 0", summary.Due)
	}
}

func TestSeed_RejectsBadCatalog(t *testing.T) {
	dir, cfg := testEnv(t)
	catalog := filepath.Join(dir, "bad.yaml")
	writeFile(t, catalog, "endpoints:\n  - id: e\n    tenant: ghost\n")

	if _, err := run(t, "--config", cfg, "seed", catalog); err == nil {
		t.Error("expected error for unknown tenant")
	}
}

func TestToken(t *testing.T) {
	_, cfg := testEnv(t)
	out, err := run(t, "--config", cfg, "token", "grafana", "--scope", "admin")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	claims, err := auth.NewTokenService([]byte("test-secret"), 0).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "grafana" || !claims.Allows(auth.ScopeAdmin) {
		t.Errorf("claims = %+v", claims)
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "pulsewatch.yaml")
	writeFile(t, cfg, "logging:\n  level: error\n")
	if _, err := run(t, "--config", cfg, "token", "grafana"); err == nil {
		t.Error("expected error without stream.token_secret")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "pulsewatch ") {
		t.Errorf("version output = %q", out)
	}
}
