package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"company-intel/internal/config"
	"company-intel/internal/models"
	"company-intel/internal/result"
)

func TestLocalArchiveWritesTranscript(t *testing.T) {
	dir := t.TempDir()
	a := NewLocal(dir)

	tr := Transcript{
		RunID:      "run-1",
		TenantID:   "tenant-a",
		ThreadKey:  "slack:T1:C1:1.0",
		Status:     models.RunDegraded,
		Results:    []result.Result{result.Err("GMAIL", "no token", result.Options{Code: "NO_TOKEN"})},
		Response:   "answer",
		FinishedAt: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC),
	}
	loc, err := a.Archive(context.Background(), tr)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := filepath.Join(dir, "tenant-a", "2024", "03", "09", "run-1.json")
	if loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}

	raw, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	var got Transcript
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if got.Status != models.RunDegraded || got.Response != "answer" || len(got.Results) != 1 {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestKeyCannotEscapeBaseDir(t *testing.T) {
	tr := Transcript{RunID: "x", TenantID: "../../etc", FinishedAt: time.Unix(0, 0)}
	if key := tr.Key(); strings.HasPrefix(key, "..") || strings.HasPrefix(key, "/") {
		t.Fatalf("key escapes base dir: %s", key)
	}
}

func TestNilArchiverIsNoop(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil archiver without configuration")
	}
	loc, err := a.Archive(context.Background(), Transcript{RunID: "r", TenantID: "t"})
	if err != nil || loc != "" {
		t.Fatalf("nil archiver should do nothing, got %q %v", loc, err)
	}
}

func TestArchiveRequiresIDs(t *testing.T) {
	if _, err := NewLocal(t.TempDir()).Archive(context.Background(), Transcript{}); err == nil {
		t.Fatalf("expected error for empty transcript")
	}
}
