package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/gateway"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

const probeTimeout = 5 * time.Second

// newGatewayClient is replaced in tests.
var newGatewayClient = func(gc config.GatewayConfig) gateway.Client {
	return gateway.NewWSClient(gateway.Config{
		URL:         gc.URL,
		Token:       gc.Token,
		CallTimeout: probeTimeout,
	})
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkProjectsPath,
		checkGateway,
		checkMissionControl,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.ResolvedDBPath()
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d, %d tasks", version, total),
		Detail:  path,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkProjectsPath(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Projects", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.ProjectsPath)
	if err != nil {
		return CheckResult{
			Name:    "Projects",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not found", cfg.ProjectsPath),
			Detail:  "Agents are told to write deliverables here; set PROJECTS_PATH or projects_path",
		}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Projects", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.ProjectsPath)}
	}
	return CheckResult{Name: "Projects", Status: "PASS", Message: cfg.ProjectsPath}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	target := shared.RedactURL(cfg.Gateway.URL)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client := newGatewayClient(cfg.Gateway)
	defer client.Disconnect()

	start := time.Now()
	if err := client.Connect(probeCtx); err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("Connect to %s failed: %v", target, err),
			Detail:  "Dispatch and heartbeat skip until the Gateway is reachable",
		}
	}
	sessions, err := client.ListSessions(probeCtx)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("sessions.list failed: %v", err), Detail: target}
	}
	return CheckResult{
		Name:    "Gateway",
		Status:  "PASS",
		Message: fmt.Sprintf("%d live sessions (%dms)", len(sessions), latency.Milliseconds()),
		Detail:  target,
	}
}

func checkMissionControl(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Mission Control", Status: "SKIP", Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.BaseURL, nil)
	if err != nil {
		return CheckResult{Name: "Mission Control", Status: "FAIL", Message: fmt.Sprintf("Bad base_url: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Mission Control",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unreachable: %v", cfg.BaseURL, err),
			Detail:  "Event relay and test triggers fail until the web app is up",
		}
	}
	resp.Body.Close()
	return CheckResult{Name: "Mission Control", Status: "PASS", Message: fmt.Sprintf("%s answered %d", cfg.BaseURL, resp.StatusCode)}
}
