package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFeedFetch(t *testing.T) {
	before := testutil.ToFloat64(FeedFetches.WithLabelValues("success"))
	RecordFeedFetch("success", 200*time.Millisecond)
	if got := testutil.ToFloat64(FeedFetches.WithLabelValues("success")); got != before+1 {
		t.Errorf("feed fetches = %v, want %v", got, before+1)
	}
}

func TestRecordRun(t *testing.T) {
	RecordRun(false, 0.25, time.Unix(1700000000, 0))
	if got := testutil.ToFloat64(LastRunSuccess); got != 0 {
		t.Errorf("LastRunSuccess = %v", got)
	}
	if got := testutil.ToFloat64(DigestCostUSD); got != 0.25 {
		t.Errorf("DigestCostUSD = %v", got)
	}
	RecordRun(true, 0, time.Now())
	if got := testutil.ToFloat64(LastRunSuccess); got != 1 {
		t.Errorf("LastRunSuccess = %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	RecordLLMTokens("gemini", 100, 20)
	path := filepath.Join(t.TempDir(), "feedagent.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "feedagent_llm_tokens_total") {
		t.Errorf("textfile missing token counter:\n%s", b)
	}
}
