package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	shardring "go-shardring"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

const (
	contentTypeJSON        = "application/json"
	maxValueBytes          = 1 << 20
	defaultShutdownTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	var addr string

	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the cluster over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg, err = resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")

	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	var logger = newLogger(cfg.Logger)

	var cluster, newStore, closeStores, err = buildCluster(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := cluster.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}
	defer cluster.Stop()

	var httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newServer(cluster, newStore, logger).routes(),
		ReadHeaderTimeout: time.Second,
	}

	var errCh = make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("HTTP server started", "addr", cfg.HTTP.Addr, "nodes", len(cluster.Nodes()))

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// server exposes cluster operations as a JSON API.
type server struct {
	cluster  *shardring.Cluster
	newStore storeFactory
	logger   *slog.Logger
}

func newServer(cluster *shardring.Cluster, newStore storeFactory, logger *slog.Logger) *server {
	return &server{cluster: cluster, newStore: newStore, logger: logger}
}

func (s *server) routes() http.Handler {
	var r = chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/keys/{key}", func(r chi.Router) {
		r.Put("/", s.handlePut)
		r.Get("/", s.handleGet)
		r.Delete("/", s.handleDelete)
	})
	r.Get("/placement/{key}", s.handlePlacement)

	r.Get("/audit", s.handleAudit)
	r.Get("/verify", s.handleVerify)

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.handleNodes)
		r.Post("/", s.handleAddNode)
		r.Delete("/{id}", s.handleRemoveNode)
		r.Post("/{id}/fail", s.handleFailNode)
		r.Post("/{id}/recover", s.handleRecoverNode)
	})

	r.Get("/migrations/{id}", s.handleMigration)
	r.Post("/migrations/{id}/resume", s.handleResume)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type placementResponse struct {
	Key     string           `json:"key"`
	Primary shardring.NodeID `json:"primary"`
	Backup  shardring.NodeID `json:"backup"`
}

type recordResponse struct {
	Key   string           `json:"key"`
	Value string           `json:"value"`
	Role  shardring.Role   `json:"role"`
	Node  shardring.NodeID `json:"node"`
}

type nodeResponse struct {
	ID   shardring.NodeID `json:"id"`
	Live bool             `json:"live"`
}

type addNodeRequest struct {
	ID string `json:"id"`
}

type migrationResponse struct {
	ID       string                   `json:"id"`
	Kind     shardring.MigrationKind  `json:"kind"`
	Node     shardring.NodeID         `json:"node"`
	State    shardring.MigrationState `json:"state"`
	Copied   int                      `json:"copied"`
	Deleted  int                      `json:"deleted"`
	Cleaned  int                      `json:"cleaned"`
	Skipped  []shardring.NodeID       `json:"skipped,omitempty"`
	Pending  []string                 `json:"pending"`
	Complete bool                     `json:"complete"`
}

type auditResponse struct {
	Nodes        map[shardring.NodeID]countsResponse `json:"nodes"`
	TotalPrimary int                                 `json:"total_primary"`
	TotalBackup  int                                 `json:"total_backup"`
	Unreachable  []shardring.NodeID                  `json:"unreachable"`
}

type countsResponse struct {
	Primary int    `json:"primary"`
	Backup  int    `json:"backup"`
	MinKey  string `json:"min_key,omitempty"`
	MaxKey  string `json:"max_key,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	var key = chi.URLParam(r, "key")

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	p, err := s.cluster.Put(r.Context(), key, value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, placementResponse{Key: key, Primary: p.Primary, Backup: p.Backup})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	var key = chi.URLParam(r, "key")

	var res, err = s.cluster.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordResponse{
		Key:   res.Record.Key,
		Value: string(res.Record.Value),
		Role:  res.Record.Role,
		Node:  res.Node,
	})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cluster.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePlacement(w http.ResponseWriter, r *http.Request) {
	var key = chi.URLParam(r, "key")

	var p, err = s.cluster.PlacementFor(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, placementResponse{Key: key, Primary: p.Primary, Backup: p.Backup})
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.Audit(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	var resp = auditResponse{
		Nodes:        make(map[shardring.NodeID]countsResponse, len(report.Nodes)),
		TotalPrimary: report.TotalPrimary,
		TotalBackup:  report.TotalBackup,
		Unreachable:  report.Unreachable,
	}
	for id, counts := range report.Nodes {
		resp.Nodes[id] = countsResponse{Primary: counts.Primary, Backup: counts.Backup, MinKey: counts.MinKey, MaxKey: counts.MaxKey}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var violations, err = s.cluster.Verify(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if violations == nil {
		violations = []shardring.Violation{}
	}
	s.writeJSON(w, http.StatusOK, violations)
}

func (s *server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var resp = make([]nodeResponse, 0)
	for _, id := range s.cluster.Nodes() {
		resp = append(resp, nodeResponse{ID: id, Live: s.cluster.IsLive(id)})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	id, err := shardring.ParseNodeID(req.ID)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	report, err := s.cluster.AddNode(r.Context(), id, s.newStore(id))
	s.writeMigration(w, http.StatusCreated, report, err)
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.RemoveNode(r.Context(), shardring.NodeID(chi.URLParam(r, "id")))
	s.writeMigration(w, http.StatusOK, report, err)
}

func (s *server) handleFailNode(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.FailNode(shardring.NodeID(chi.URLParam(r, "id")))
	s.writeMigration(w, http.StatusOK, report, err)
}

func (s *server) handleRecoverNode(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.RecoverNode(r.Context(), shardring.NodeID(chi.URLParam(r, "id")))
	s.writeMigration(w, http.StatusOK, report, err)
}

func (s *server) handleMigration(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.Migration(chi.URLParam(r, "id"))
	s.writeMigration(w, http.StatusOK, report, err)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var report, err = s.cluster.ResumeMigration(r.Context(), chi.URLParam(r, "id"))
	s.writeMigration(w, http.StatusOK, report, err)
}

// writeMigration reports a partial migration as accepted, with its pending keys in the body.
func (s *server) writeMigration(w http.ResponseWriter, status int, report shardring.MigrationReport, err error) {
	switch {
	case errors.Is(err, shardring.ErrPartialMigration):
		status = http.StatusAccepted
	case err != nil:
		s.writeError(w, err)
		return
	}

	var resp = migrationResponse{
		ID:       report.ID,
		Kind:     report.Kind,
		Node:     report.Node,
		State:    report.State,
		Copied:   report.Copied,
		Deleted:  report.Deleted,
		Cleaned:  report.Cleaned,
		Skipped:  report.Skipped,
		Pending:  report.Pending,
		Complete: report.Complete(),
	}
	if resp.Pending == nil {
		resp.Pending = []string{}
	}
	s.writeJSON(w, status, resp)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var status = http.StatusInternalServerError
	switch {
	case errors.Is(err, shardring.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, shardring.ErrRecordNotFound),
		errors.Is(err, shardring.ErrNodeNotFound),
		errors.Is(err, shardring.ErrMigrationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shardring.ErrDuplicateNode),
		errors.Is(err, shardring.ErrDuplicateKey),
		errors.Is(err, shardring.ErrInsufficientNodes),
		errors.Is(err, shardring.ErrEmptyRing):
		status = http.StatusConflict
	case errors.Is(err, shardring.ErrAllReplicasUnreachable),
		errors.Is(err, shardring.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}
