package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"maas-ws/internal/adapter/filecontext"
	"maas-ws/internal/adapter/wsconn"
	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
	"maas-ws/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func (a *app) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, credential and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDoctor(cmd.Context())
		},
	}
}

// runDoctor executes all health checks and reports results.
func (a *app) runDoctor(ctx context.Context) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(a.configPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(a.configPath, cfgErr)},
		{Name: "Credential", Fn: checkCredential},
		{Name: "Server", Fn: checkServer},
		{Name: "Websocket", Fn: checkWebsocket},
		{Name: "File context store", Fn: checkFileContext},
	}

	fmt.Fprintln(a.out, "maasws doctor")
	fmt.Fprintln(a.out, strings.Repeat("=", 50))
	fmt.Fprintln(a.out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(a.out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(a.out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, strings.Repeat("-", 50))
	fmt.Fprintf(a.out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile returns a check that verifies the config file loads. A
// missing file is only a warning since the defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax and permissions of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkCredential verifies a csrftoken is available and a socket URL can be
// built from it.
func checkCredential(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	cred, err := credentialSource(cfg).Credential(ctx)
	if err == nil {
		_, err = wsconn.BuildURL(cfg.Server.URL, cred.CSRFToken)
	}
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     fmt.Sprintf("Log in to the MAAS UI and export its csrftoken cookie as %s", cfg.Server.CSRFTokenEnv),
		}
	}
	if cred.SessionID == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "csrftoken found but no sessionid; the region may reject the handshake",
			Fix:     fmt.Sprintf("Export the sessionid cookie as %s", cfg.Server.SessionIDEnv),
		}
	}
	return CheckResult{Status: StatusPass, Message: "csrftoken and sessionid found"}
}

// checkServer tests if the region answers HTTP at the configured URL.
func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	target := cfg.Server.URL
	target = strings.Replace(target, "wss://", "https://", 1)
	target = strings.Replace(target, "ws://", "http://", 1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid server URL: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", target, err),
			Fix:     "Check server.url and that the region controller is running",
		}
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s responded with status %d", target, resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", target, latency.Milliseconds()),
	}
}

// checkWebsocket performs one socket handshake with the configured credential.
func checkWebsocket(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	conn := cfg.Connection
	conn.ReconnectAttempts = 1

	m := wsconn.NewManager(cfg.Server.URL, credentialSource(cfg), conn, wsconn.WithLogger(logger.Discard()))
	defer m.Close()

	if err := m.Connect(ctx); err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("skipped: %v", err)}
	}

	timeout := time.After(conn.DialTimeout + time.Second)
	for {
		select {
		case ev := <-m.Events():
			switch ev.Kind {
			case domain.ConnOpen:
				return CheckResult{
					Status:  StatusPass,
					Message: fmt.Sprintf("handshake succeeded (dial breaker %s)", m.BreakerState()),
				}
			case domain.ConnError, domain.ConnClose:
				msg := "connection closed"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("%s (dial breaker %s)", msg, m.BreakerState()),
					Fix:     "Refresh the csrftoken and sessionid from a logged-in browser session",
				}
			}
		case <-timeout:
			return CheckResult{Status: StatusFail, Message: "handshake timed out"}
		case <-ctx.Done():
			return CheckResult{Status: StatusFail, Message: ctx.Err().Error()}
		}
	}
}

// checkFileContext verifies the file context backend opens and round-trips.
func checkFileContext(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	store, err := filecontext.Open(cfg.FileContext)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check file_context.backend and that file_context.path is writable",
		}
	}
	defer store.Close()

	const probe = "maasws.doctor"
	err = store.Put(ctx, probe, []byte("ok"))
	if err == nil {
		_, err = store.Get(ctx, probe)
	}
	err = errors.Join(err, store.Delete(ctx, probe))
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s store: %v", cfg.FileContext.Backend, err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store usable", cfg.FileContext.Backend)}
}
