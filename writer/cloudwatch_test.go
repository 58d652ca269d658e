package writer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
)

// Publish emits metrics on every call; a stalled CloudWatch endpoint must not
// hold it up.
func TestPublishDoesNotWaitForCloudWatch(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			select {
			case <-time.After(3 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("AWS_ENDPOINT_URL", srv.URL)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	metrics.InitCloudWatch(ctx, "us-east-1", "BookflowTest", "BookflowTest")

	h := NewHub(appconfig.HubConfig{SendTimeout: time.Second, QueueSize: 4})
	t.Cleanup(h.Close)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := h.Publish(snapshot("BTCUSDT")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish with a stalled CloudWatch endpoint took %s", elapsed)
	}
}
