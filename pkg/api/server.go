package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/manager"
	"github.com/quarry-sh/quarry/pkg/metrics"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Server exposes the controller over HTTP JSON.
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	http    *http.Server
	unix    *http.Server
}

// NewServer creates a new API server over the given manager.
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Probes and metrics
	s.mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	s.mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /livez", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	// Claims
	s.mux.HandleFunc("POST /v1/claims", s.handleCreateClaim)
	s.mux.HandleFunc("GET /v1/claims", s.handleListClaims)
	s.mux.HandleFunc("GET /v1/claims/{id}", s.handleGetClaim)
	s.mux.HandleFunc("DELETE /v1/claims/{id}", s.handleDeleteClaim)

	// Volumes
	s.mux.HandleFunc("GET /v1/volumes", s.handleListVolumes)
	s.mux.HandleFunc("GET /v1/volumes/{id}", s.handleGetVolume)
	s.mux.HandleFunc("GET /v1/volumes/{id}/attachments", s.handleVolumeAttachments)

	// Snapshots
	s.mux.HandleFunc("POST /v1/snapshots", s.handleCreateSnapshot)
	s.mux.HandleFunc("GET /v1/snapshots", s.handleListSnapshots)
	s.mux.HandleFunc("GET /v1/snapshots/{id}", s.handleGetSnapshot)
	s.mux.HandleFunc("DELETE /v1/snapshots/{id}", s.handleDeleteSnapshot)

	// Attachments
	s.mux.HandleFunc("POST /v1/attachments", s.handleAttach)
	s.mux.HandleFunc("POST /v1/attachments/detach", s.handleDetach)
	s.mux.HandleFunc("GET /v1/attachments", s.handleListAttachments)
	s.mux.HandleFunc("GET /v1/attachments/{id}", s.handleGetAttachment)

	// Storage classes
	s.mux.HandleFunc("POST /v1/classes", s.handlePutClass)
	s.mux.HandleFunc("GET /v1/classes", s.handleListClasses)
	s.mux.HandleFunc("GET /v1/classes/{id}", s.handleGetClass)

	// Cluster membership
	s.mux.HandleFunc("GET /v1/cluster", s.handleClusterInfo)
	s.mux.HandleFunc("POST /v1/cluster/join", s.handleJoin)
	s.mux.HandleFunc("POST /v1/cluster/tokens", s.handleGenerateToken)

	// Event stream
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// Handler returns the routed handler with observability middleware,
// for tests and embedding.
func (s *Server) Handler() http.Handler {
	return withObservability(s.mux)
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // event stream holds the connection open
		IdleTimeout:  60 * time.Second,
	}

	log.WithComponent("api").Info().Str("addr", addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartUnix serves a read-only copy of the API on a local socket for
// CLI use without credentials.
func (s *Server) StartUnix(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	s.unix = &http.Server{Handler: readOnly(s.Handler())}

	log.WithComponent("api").Info().Str("socket", socketPath).Msg("read-only api listening")
	if err := s.unix.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the listeners.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
	if s.unix != nil {
		_ = s.unix.Shutdown(ctx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrAlreadyExists):
		status = http.StatusConflict
	case errdefs.IsConflict(err), errdefs.IsWait(err):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrVolumeNotBound):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrCapacityExceeded):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, apiv1.ErrorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.Validationf("invalid request body: %v", err)
	}
	return nil
}

// Claims

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	var req apiv1.CreateClaimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	capacity, err := types.ParseCapacity(req.Capacity)
	if err != nil {
		writeError(w, errdefs.Validationf("capacity: %v", err))
		return
	}

	claim := &types.Claim{
		Name:             req.Name,
		ClassID:          req.Class,
		CapacityBytes:    capacity,
		AccessMode:       types.AccessMode(req.AccessMode),
		SourceSnapshotID: req.SourceSnapshotID,
	}
	if err := s.manager.CreateClaim(claim); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, claimView(claim))
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.manager.ListClaims()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Claim, 0, len(claims))
	for _, c := range claims {
		views = append(views, claimView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.manager.GetClaim(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimView(claim))
}

func (s *Server) handleDeleteClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteClaim(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Volumes

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	volumes, err := s.manager.ListVolumes()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Volume, 0, len(volumes))
	for _, v := range volumes {
		views = append(views, volumeView(v))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	volume, err := s.manager.GetVolume(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeView(volume))
}

func (s *Server) handleVolumeAttachments(w http.ResponseWriter, r *http.Request) {
	attachments, err := s.manager.ListAttachmentsByVolume(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Attachment, 0, len(attachments))
	for _, a := range attachments {
		views = append(views, attachmentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// Snapshots

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req apiv1.CreateSnapshotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.manager.RequestSnapshot(req.VolumeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotView(snap))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.manager.ListSnapshots()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		views = append(views, snapshotView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetSnapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSnapshot(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Attachments

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req apiv1.AttachRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	att, err := s.manager.RequestAttach(req.VolumeID, req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachmentView(att))
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req apiv1.AttachRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.manager.RequestDetach(req.VolumeID, req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	attachments, err := s.manager.ListAttachments()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Attachment, 0, len(attachments))
	for _, a := range attachments {
		views = append(views, attachmentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := s.manager.GetAttachment(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attachmentView(att))
}

// Storage classes

func (s *Server) handlePutClass(w http.ResponseWriter, r *http.Request) {
	var req apiv1.Class
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	class, err := classFromView(req)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.manager.PutClass(class); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classView(class))
}

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.manager.ListClasses()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]apiv1.Class, 0, len(classes))
	for _, c := range classes {
		views = append(views, classView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetClass(w http.ResponseWriter, r *http.Request) {
	class, err := s.manager.GetClass(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classView(class))
}

// Cluster membership

func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	info := apiv1.ClusterInfo{
		Leader: s.manager.LeaderAddr(),
		Stats:  s.manager.GetRaftStats(),
	}

	servers, err := s.manager.GetClusterServers()
	if err == nil {
		for _, srv := range servers {
			info.Servers = append(info.Servers, apiv1.ClusterServer{
				ID:      string(srv.ID),
				Address: string(srv.Address),
			})
		}
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req apiv1.JoinRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.manager.HandleJoin(req.NodeID, req.Address, req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.manager.GenerateJoinToken(15 * time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiv1.TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	})
}

// Event stream

// handleEvents streams lifecycle events as newline-delimited JSON
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	broker := s.manager.GetEventBroker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(eventView(event)); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
