package adminapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/subscription"
)

// PendingResponse is an unconfirmed subscription. The cookie is left out;
// it is the requester's secret.
type PendingResponse struct {
	Email     string    `json:"email"`
	Digest    bool      `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// HeldResponse is a confirmed subscription waiting for the owner.
type HeldResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	RealName  string    `json:"real_name,omitempty"`
	Digest    bool      `json:"digest"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HeldDecisionResponse reports what an approve or reject did.
type HeldDecisionResponse struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Action string `json:"action"`
	Result string `json:"result,omitempty"`
}

func toHeldResponse(h *mailinglist.HeldSubscription) HeldResponse {
	return HeldResponse{
		ID:        h.ID,
		Email:     h.Email,
		RealName:  h.RealName,
		Digest:    h.Digest,
		Reason:    h.Reason,
		CreatedAt: h.CreatedAt,
	}
}

// handleListPending handles GET /api/v1/lists/{list}/pending
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	var resp []PendingResponse
	err := s.withWorkflow(r.Context(), mux.Vars(r)["list"], func(ctx context.Context, wf *subscription.Workflow) error {
		pending, err := wf.Registry().List(ctx)
		if err != nil {
			return err
		}
		resp = make([]PendingResponse, 0, len(pending))
		for _, p := range pending {
			resp = append(resp, PendingResponse{Email: p.Email, Digest: p.WantsDigest, CreatedAt: p.CreatedAt})
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": resp, "total": len(resp)})
}

// handleListHeld handles GET /api/v1/lists/{list}/held
func (s *Server) handleListHeld(w http.ResponseWriter, r *http.Request) {
	var resp []HeldResponse
	err := s.store.WithListLock(r.Context(), mux.Vars(r)["list"], func(ctx context.Context, tx mailinglist.Tx) error {
		held, err := tx.ListHeld(ctx)
		if err != nil {
			return err
		}
		resp = make([]HeldResponse, 0, len(held))
		for _, h := range held {
			resp = append(resp, toHeldResponse(h))
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"held": resp, "total": len(resp)})
}

// handleApproveHeld handles POST /api/v1/lists/{list}/held/{id}/approve
func (s *Server) handleApproveHeld(w http.ResponseWriter, r *http.Request) {
	s.decideHeld(w, r, "approved", (*subscription.Workflow).ApproveHeld)
}

// handleRejectHeld handles POST /api/v1/lists/{list}/held/{id}/reject
func (s *Server) handleRejectHeld(w http.ResponseWriter, r *http.Request) {
	s.decideHeld(w, r, "rejected", (*subscription.Workflow).RejectHeld)
}

func (s *Server) decideHeld(w http.ResponseWriter, r *http.Request, action string,
	decide func(*subscription.Workflow, context.Context, int64) (*mailinglist.HeldSubscription, error)) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid held subscription id")
		return
	}

	var resp HeldDecisionResponse
	err = s.withWorkflow(r.Context(), vars["list"], func(ctx context.Context, wf *subscription.Workflow) error {
		h, err := decide(wf, ctx, id)
		if h == nil {
			return err
		}
		resp = HeldDecisionResponse{ID: h.ID, Email: h.Email, Action: action}
		if err != nil {
			// The member could not be added; the held entry is gone anyway.
			resp.Result = err.Error()
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
