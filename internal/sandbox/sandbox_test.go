package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/amon/internal/errs"
)

func TestExec_RoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/exec" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Result{
			ExitCode:   0,
			Stdout:     "hello from runner",
			Outputs:    map[string]string{"workspace/out.txt": "data"},
			DurationMs: 12,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("sk-test"))
	result, err := c.Exec(context.Background(), Request{Command: "make", Args: []string{"build"}})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Command != "make" {
		t.Errorf("runner saw command %q", gotReq.Command)
	}
	if result.Stdout != "hello from runner" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Outputs["workspace/out.txt"] != "data" {
		t.Error("output pack not decoded")
	}
}

func TestExec_NonZeroExitIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{ExitCode: 3, Stderr: "boom"})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, WithAPIKey("k")).Exec(context.Background(), Request{Command: "false"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

func TestExec_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   errs.Kind
	}{
		{http.StatusUnauthorized, errs.KindModelAuthFailed},
		{http.StatusTooManyRequests, errs.KindModelRateLimit},
		{http.StatusInternalServerError, errs.KindIO},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewClient(srv.URL, WithAPIKey("k")).Exec(context.Background(), Request{Command: "x"})
		srv.Close()
		if errs.KindOf(err) != tc.kind {
			t.Errorf("status %d: error = %v, want kind %s", tc.status, err, tc.kind)
		}
	}
}

func TestExec_MissingKey(t *testing.T) {
	t.Setenv("SANDBOX_RUNNER_API_KEY", "")
	_, err := NewClient("http://localhost:1").Exec(context.Background(), Request{Command: "x"})
	if errs.KindOf(err) != errs.KindModelAuthFailed {
		t.Errorf("error = %v, want MODEL_AUTH_FAILED", err)
	}
}

func TestWriteResult(t *testing.T) {
	runDir := t.TempDir()
	if err := WriteResult(runDir, &Result{ExitCode: 0, Stdout: "ok"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(runDir, "sandbox", "result.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got Result
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Stdout != "ok" {
		t.Errorf("persisted stdout = %q", got.Stdout)
	}
}
