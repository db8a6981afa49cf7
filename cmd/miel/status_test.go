package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"miel/internal/statusapi"
)

func TestStatusCommandQueriesConfiguredAddr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(statusapi.Status{
			Status:        "running",
			UptimeSeconds: 12,
			Services: []statusapi.ServiceStatus{
				{Service: "ssh", Ready: 2, Target: 2},
				{Service: "http", Ready: 0, Target: 1, BreakerOpen: true, LastError: "spawn failed"},
			},
			FilterRejected:   5,
			AdmissionDropped: 1,
		})
	}))
	defer srv.Close()

	cmd := newStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--addr", strings.TrimPrefix(srv.URL, "http://")})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status command failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "running") {
		t.Errorf("expected output to mention status, got %q", got)
	}
	if !strings.Contains(got, "BREAKER_OPEN") {
		t.Errorf("expected output to flag the open breaker, got %q", got)
	}
}

func TestStatusCommandFailsOnUnreachableAddr(t *testing.T) {
	cmd := newStatusCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", "127.0.0.1:1"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error when the status endpoint is unreachable")
	}
}
