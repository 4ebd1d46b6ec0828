package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// loadFailureNode stands in for a runtime node whose module loads always
// fail, reporting the given platform string in the failure payload.
func loadFailureNode(t *testing.T, platform string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"error":    "evaluating module: undefined binding",
			"platform": platform,
		})
	}))
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"))
}

func TestLoadCodeClassifiesVersionMismatch(t *testing.T) {
	c := loadFailureNode(t, "go1.2 plan9/mips")

	err := c.LoadCode(context.Background(), "mod", EncodeModule([]byte("x = 1")))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch against a foreign node, got %v", err)
	}
	if !strings.Contains(err.Error(), "plan9/mips") {
		t.Errorf("mismatch error should name the remote platform: %v", err)
	}
}

func TestLoadCodeGenericFailureOnSamePlatform(t *testing.T) {
	c := loadFailureNode(t, Platform())

	err := c.LoadCode(context.Background(), "mod", EncodeModule([]byte("x = 1")))
	if err == nil {
		t.Fatal("expected load error")
	}
	if errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("same-platform failure misreported as version mismatch: %v", err)
	}
	if !strings.Contains(err.Error(), "undefined binding") {
		t.Errorf("generic error should carry the remote reason: %v", err)
	}
}
