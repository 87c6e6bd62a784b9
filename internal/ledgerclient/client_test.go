package ledgerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) Config {
	return Config{
		URL:                 url,
		Network:             "testnet",
		TagPrefix:           "ARED_ANCHOR",
		TagVersion:          "v1",
		RequestTimeout:      2 * time.Second,
		APITimeout:          5 * time.Second,
		RetryCount:          3,
		RetryDelay:          1 * time.Millisecond,
		RetryMaxDelay:       10 * time.Millisecond,
		ConfirmationTimeout: 200 * time.Millisecond,
		PollInterval:        20 * time.Millisecond,
		Enabled:             true,
	}
}

func testMessage() AnchorMessage {
	now := time.Now()
	return AnchorMessage{
		Digest:    "deadbeef",
		Algorithm: "sha256",
		Type:      "merkle_root",
		Timestamp: now,
		Count:     2,
		Start:     now.Add(-24 * time.Hour),
		End:       now,
		Version:   "1.0",
	}
}

func TestTag_Format(t *testing.T) {
	c := New(testConfig("http://ignored"))
	assert.Equal(t, "ARED_ANCHOR_v1", c.Tag())
}

func TestPostAnchor_RetryThenSucceed(t *testing.T) {
	var attempts int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/v2/blocks", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(blockSubmitResponse{BlockID: "block-123"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(testConfig(server.URL))
	meta, err := c.PostAnchor(context.Background(), testMessage(), false)
	require.NoError(t, err)
	assert.Equal(t, "block-123", meta.BlockID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPostAnchor_ExhaustsRetries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/v2/blocks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RetryCount = 2
	c := New(cfg)

	_, err := c.PostAnchor(context.Background(), testMessage(), false)
	require.Error(t, err)
	code, ok := anchordom.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, anchordom.TaxonomyLedgerSubmission, code)
}

func TestPostAnchor_RejectedIsPermanent(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/v2/blocks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(testConfig(server.URL))
	_, err := c.PostAnchor(context.Background(), testMessage(), false)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 4xx rejection must not be retried")
}

func TestPostAnchor_WaitsForConfirmation(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/v2/blocks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(blockSubmitResponse{BlockID: "block-abc"})
	})
	mux.HandleFunc("/api/core/v2/blocks/block-abc/metadata", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		state := "pending"
		if n >= 2 {
			state = "included"
		}
		json.NewEncoder(w).Encode(blockMetadataResponse{IsSolid: true, LedgerInclusionState: state})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(testConfig(server.URL))
	meta, err := c.PostAnchor(context.Background(), testMessage(), true)
	require.NoError(t, err)
	assert.True(t, meta.Confirmed())
}

func TestPostAnchor_ConflictingFailsFast(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/core/v2/blocks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(blockSubmitResponse{BlockID: "block-conflict"})
	})
	mux.HandleFunc("/api/core/v2/blocks/block-conflict/metadata", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(blockMetadataResponse{LedgerInclusionState: "conflicting"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(testConfig(server.URL))
	_, err := c.PostAnchor(context.Background(), testMessage(), true)
	require.Error(t, err)
	code, ok := anchordom.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, anchordom.TaxonomyLedgerConflicting, code)
}

func TestPostAnchor_Disabled(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Enabled = false
	c := New(cfg)

	_, err := c.PostAnchor(context.Background(), testMessage(), false)
	require.Error(t, err)
	code, ok := anchordom.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, anchordom.TaxonomyLedgerUnavailable, code)
}

func TestCanonicalJSON_KeyOrderAndCompactness(t *testing.T) {
	msg := testMessage()
	data, err := CanonicalJSON(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), " ")
	assert.Contains(t, string(data), `"algorithm":"sha256"`)
	assert.True(t, indexOf(string(data), "algorithm") < indexOf(string(data), "digest"))
	assert.True(t, indexOf(string(data), "digest") < indexOf(string(data), "type"))
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
