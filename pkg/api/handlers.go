package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/app"
	"github.com/cuemby/tsimd/pkg/session"
	"github.com/cuemby/tsimd/pkg/types"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidInput, "method not allowed"))
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.InvalidInput, "invalid JSON body"))
		return
	}

	user, role, err := s.app.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	sid, err := s.app.Sessions.Create(user, role)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookie(w, r, sid)
	writeJSON(w, http.StatusOK, okEnvelope())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(cookieName); err == nil {
		_ = s.app.Sessions.Destroy(cookie.Value)
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, okEnvelope())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidInput, "method not allowed"))
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.InvalidInput, "invalid JSON body"))
		return
	}

	if err := validateIPv4("source", req.Source); err != nil {
		writeError(w, err)
		return
	}
	if err := validateIPv4("destination", req.Destination); err != nil {
		writeError(w, err)
		return
	}
	services, err := parseServices(req.Services)
	if err != nil {
		writeError(w, err)
		return
	}

	rec := sessionFromContext(r.Context())
	run := &types.Run{
		ID:          uuid.NewString(),
		Owner:       rec.Username,
		Source:      req.Source,
		Destination: req.Destination,
		Services:    services,
		DSCP:        -1,
		State:       types.RunQueued,
		CreatedAt:   time.Now(),
	}

	if err := s.app.Queue.Enqueue(run); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Success:  true,
		RunID:    run.ID,
		Redirect: "/progress?run_id=" + run.ID,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	run, err := s.ownedRun(r, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{
		Success: true,
		RunID:   run.ID,
		State:   run.State,
		Events:  s.app.Progress.Snapshot(runID),
		Results: run.Results,
	})
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if _, err := s.ownedRun(r, runID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.sse.ServeRun(w, r, runID)
}

// handleCancel marks a run cancelled: if it's still queued, Queue.Cancel
// handles it directly; otherwise it must be currently executing, so the
// Scheduler's cancel channel is signaled and the Executor's cooperative
// check at the next phase boundary (or kernel command batch) does the
// rest. A run that's already terminal is a Conflict, not a cancellation.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidInput, "method not allowed"))
		return
	}
	runID := r.URL.Query().Get("run_id")
	run, err := s.ownedRun(r, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if isTerminal(run.State) {
		writeError(w, apierr.New(apierr.Conflict, "run has already finished"))
		return
	}

	if err := s.app.Queue.Cancel(runID); err == nil {
		writeJSON(w, http.StatusOK, okEnvelope())
		return
	} else if apierr.CodeOf(err) != apierr.NotFound {
		writeError(w, err)
		return
	}

	if err := s.app.Scheduler.CancelRun(runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope())
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	run, err := s.app.Queue.Get(runID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !isTerminal(run.State) {
		writeError(w, apierr.New(apierr.Conflict, "run has not finished"))
		return
	}

	if err := s.authorizePDF(r, run); err != nil {
		writeError(w, err)
		return
	}

	if run.PDFPath == "" {
		writeError(w, apierr.New(apierr.NotFound, "no report was produced for this run"))
		return
	}
	http.ServeFile(w, r, run.PDFPath)
}

// authorizePDF accepts either the owner's session cookie or a valid HMAC
// share token.
func (s *Server) authorizePDF(r *http.Request, run *types.Run) error {
	if token := r.URL.Query().Get("token"); token != "" {
		grantedRunID, err := session.VerifyPDFToken(s.app.Config.AuthenticationConfig.SessionSecret, token)
		if err != nil {
			return err
		}
		if grantedRunID != run.ID {
			return apierr.New(apierr.AuthRequired, "token does not grant access to this run")
		}
		return nil
	}

	rec, err := s.sessionFromRequest(r)
	if err != nil {
		return err
	}
	if rec.Role != session.RoleAdmin && rec.Username != run.Owner {
		return apierr.New(apierr.Forbidden, "not the run owner")
	}
	return nil
}

// ownedRun looks up runID and enforces that the caller's session owns it,
// unless the caller is an admin.
func (s *Server) ownedRun(r *http.Request, runID string) (*types.Run, error) {
	rec := sessionFromContext(r.Context())
	run, err := s.app.Queue.Get(runID)
	if err != nil {
		return nil, err
	}
	if rec.Role != session.RoleAdmin && rec.Username != run.Owner {
		return nil, apierr.New(apierr.Forbidden, "not the run owner")
	}
	return run, nil
}

func isTerminal(state types.RunState) bool {
	switch state {
	case types.RunSucceeded, types.RunFailed, types.RunCancelled:
		return true
	default:
		return false
	}
}

func (s *Server) handleServicesConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, servicesConfigResponse{
		Success:     true,
		Mode:        "production",
		QuickSelect: app.QuickSelectServices,
	})
}

func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	// No test-mode sample topology is wired in production configuration;
	// mode is always reported as "production" here. A future test-mode
	// facts fixture would populate Source/Destination below.
	writeJSON(w, http.StatusOK, testConfigResponse{
		Success: true,
		Mode:    "production",
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidInput, "method not allowed"))
		return
	}
	s.app.Reconciler.ReconcileOnce()
	writeJSON(w, http.StatusOK, okEnvelope())
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	runs, err := s.app.Queue.ListState()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminQueueResponse{
		Success:     true,
		Runs:        runs,
		Allocations: s.app.DSCP.ListAllocations(),
	})
}
