package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/aredgroup/edge-anchor/internal/workflow"
	"github.com/google/uuid"
)

// Repo is the subset of repository.Repository the HTTP surface needs.
type Repo interface {
	GetAnchor(ctx context.Context, id uuid.UUID) (anchordom.Anchor, error)
	ListAnchors(ctx context.Context, status *anchordom.AnchorStatus, limit, offset int) ([]anchordom.Anchor, error)
	CountAnchors(ctx context.Context, status *anchordom.AnchorStatus) (int, error)
	ListItems(ctx context.Context, anchorID uuid.UUID, limit, offset int, deviceFilter *string) ([]anchordom.AnchorItem, error)
}

// LedgerHealth is the subset of ledgerclient.Client the health endpoint
// needs.
type LedgerHealth interface {
	Health(ctx context.Context) error
}

// Workflow is the subset of workflow.Workflow the HTTP surface needs.
type Workflow interface {
	Run(ctx context.Context, start, end *time.Time, waitForConfirmation bool) (workflow.AnchorResult, error)
	VerifyInclusion(ctx context.Context, eventHash string) (workflow.VerifyResult, error)
}

// DBPing is satisfied by *sql.DB, kept narrow so tests don't need a real
// database handle.
type DBPing interface {
	PingContext(ctx context.Context) error
}

// Server exposes the anchor repository, ledger client, and workflow via
// REST/JSON.
type Server struct {
	repo     Repo
	ledger   LedgerHealth
	workflow Workflow
	db       DBPing
	logger   *log.Logger
}

// New builds a Server. Call Start (or serve Router yourself) to begin
// handling requests.
func New(repo Repo, ledger LedgerHealth, wf Workflow, db DBPing) *Server {
	return &Server{
		repo:     repo,
		ledger:   ledger,
		workflow: wf,
		db:       db,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the mux.Router with every route and the CORS
// middleware, without binding a listening socket — used directly by
// Start and by tests via httptest.Server.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// --- Endpoints ---
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/anchors", s.handleListAnchors).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/anchors/{id}", s.handleGetAnchor).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/anchors/{id}/items", s.handleListItems).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/anchor/run", s.handleManualRun).Methods(http.MethodPost)

	return r
}

// Start binds addr and serves until the process exits or ListenAndServe
// returns an error.
func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
