package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/aredgroup/edge-anchor/internal/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeRepo struct {
	anchors map[uuid.UUID]anchordom.Anchor
	items   map[uuid.UUID][]anchordom.AnchorItem
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{anchors: map[uuid.UUID]anchordom.Anchor{}, items: map[uuid.UUID][]anchordom.AnchorItem{}}
}

func (f *fakeRepo) GetAnchor(ctx context.Context, id uuid.UUID) (anchordom.Anchor, error) {
	a, ok := f.anchors[id]
	if !ok {
		return anchordom.Anchor{}, anchordom.Coded(anchordom.TaxonomyNotFound, anchordom.ErrNotFound)
	}
	return a, nil
}

func (f *fakeRepo) ListAnchors(ctx context.Context, status *anchordom.AnchorStatus, limit, offset int) ([]anchordom.Anchor, error) {
	var out []anchordom.Anchor
	for _, a := range f.anchors {
		if status == nil || a.Status == *status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountAnchors(ctx context.Context, status *anchordom.AnchorStatus) (int, error) {
	anchors, _ := f.ListAnchors(ctx, status, 0, 0)
	return len(anchors), nil
}

func (f *fakeRepo) ListItems(ctx context.Context, anchorID uuid.UUID, limit, offset int, deviceFilter *string) ([]anchordom.AnchorItem, error) {
	return f.items[anchorID], nil
}

type fakeLedgerHealth struct {
	err error
}

func (f *fakeLedgerHealth) Health(ctx context.Context) error { return f.err }

type fakeDB struct {
	err error
}

func (f *fakeDB) PingContext(ctx context.Context) error { return f.err }

type fakeWorkflow struct {
	runResult    workflow.AnchorResult
	runErr       error
	verifyResult workflow.VerifyResult
	verifyErr    error
}

func (f *fakeWorkflow) Run(ctx context.Context, start, end *time.Time, wait bool) (workflow.AnchorResult, error) {
	return f.runResult, f.runErr
}

func (f *fakeWorkflow) VerifyInclusion(ctx context.Context, eventHash string) (workflow.VerifyResult, error) {
	return f.verifyResult, f.verifyErr
}

// ============================================================================
// TESTS
// ============================================================================

func TestHandleHealthz_OK(t *testing.T) {
	s := New(newFakeRepo(), &fakeLedgerHealth{}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleHealthz_ReportsLedgerDown(t *testing.T) {
	s := New(newFakeRepo(), &fakeLedgerHealth{err: anchordom.ErrLedgerUnavailable}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleListAnchors_ReturnsTotalAndPage(t *testing.T) {
	repo := newFakeRepo()
	id := uuid.New()
	repo.anchors[id] = anchordom.Anchor{ID: id, Digest: "deadbeef", Status: anchordom.StatusConfirmed}

	s := New(repo, &fakeLedgerHealth{}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/anchors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body anchorsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Anchors, 1)
	assert.Equal(t, "deadbeef", body.Anchors[0].Digest)
}

func TestHandleGetAnchor_NotFound(t *testing.T) {
	s := New(newFakeRepo(), &fakeLedgerHealth{}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/anchors/" + uuid.New().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleGetAnchor_InvalidID(t *testing.T) {
	s := New(newFakeRepo(), &fakeLedgerHealth{}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/anchors/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleVerify_DelegatesToWorkflow(t *testing.T) {
	wf := &fakeWorkflow{verifyResult: workflow.VerifyResult{Verified: true, Message: "verified", AnchorDigest: "abc"}}
	s := New(newFakeRepo(), &fakeLedgerHealth{}, wf, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(verifyRequest{EventHash: "aa"})
	resp, err := http.Post(srv.URL+"/api/v1/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result workflow.VerifyResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Verified)
	assert.Equal(t, "abc", result.AnchorDigest)
}

func TestHandleVerify_MissingHashRejected(t *testing.T) {
	s := New(newFakeRepo(), &fakeLedgerHealth{}, &fakeWorkflow{}, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/verify", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleManualRun_ReturnsUnprocessableOnFailure(t *testing.T) {
	wf := &fakeWorkflow{runResult: workflow.AnchorResult{Success: false, Error: "ledger unreachable"}}
	s := New(newFakeRepo(), &fakeLedgerHealth{}, wf, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/anchor/run", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleManualRun_SuccessOK(t *testing.T) {
	wf := &fakeWorkflow{runResult: workflow.AnchorResult{Success: true, Kind: workflow.ResultPosted, EventCount: 3}}
	s := New(newFakeRepo(), &fakeLedgerHealth{}, wf, &fakeDB{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/anchor/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
