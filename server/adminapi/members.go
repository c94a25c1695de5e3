package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/subscription"
)

// MemberResponse is one member of a list.
type MemberResponse struct {
	Email        string    `json:"email"`
	RealName     string    `json:"real_name,omitempty"`
	Digest       bool      `json:"digest"`
	Options      []string  `json:"options"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// MassSubscribeRequest carries "Name <address>" or bare address entries.
type MassSubscribeRequest struct {
	Entries []string `json:"entries"`
}

// MassUnsubscribeRequest names the addresses to remove.
type MassUnsubscribeRequest struct {
	Emails []string `json:"emails"`
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// handleListMembers handles GET /api/v1/lists/{list}/members
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	var resp []MemberResponse
	err := s.store.WithListLock(r.Context(), mux.Vars(r)["list"], func(ctx context.Context, tx mailinglist.Tx) error {
		members, err := tx.ListMembers(ctx)
		if err != nil {
			return err
		}
		resp = make([]MemberResponse, 0, len(members))
		for _, m := range members {
			resp = append(resp, MemberResponse{
				Email:        m.Email,
				RealName:     m.RealName,
				Digest:       m.Digest,
				Options:      mailinglist.OptionNames(m.Options),
				SubscribedAt: m.SubscribedAt,
			})
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": resp, "total": len(resp)})
}

// handleMassSubscribe handles POST /api/v1/lists/{list}/members
func (s *Server) handleMassSubscribe(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	listName := mux.Vars(r)["list"]

	var req MassSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Input.")
		return
	}
	entries := nonBlank(req.Entries)
	if len(entries) == 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid Input.")
		return
	}

	var results []subscription.MassResult
	err := s.withWorkflow(r.Context(), listName, func(ctx context.Context, wf *subscription.Workflow) error {
		var err error
		results, err = wf.MassSubscribe(ctx, entries)
		return err
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	logger.Info("AdminAPI: mass subscribe", "list", listName, "entries", len(entries))
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleMassUnsubscribe handles DELETE /api/v1/lists/{list}/members
func (s *Server) handleMassUnsubscribe(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	listName := mux.Vars(r)["list"]

	// The list is checked first so a missing list wins over a bad body.
	if _, err := s.store.GetList(r.Context(), listName); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	var req MassUnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Input.")
		return
	}
	emails := nonBlank(req.Emails)
	if len(emails) == 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid Input.")
		return
	}

	var failures map[string]string
	err := s.withWorkflow(r.Context(), listName, func(ctx context.Context, wf *subscription.Workflow) error {
		var err error
		failures, err = wf.MassUnsubscribe(ctx, emails)
		return err
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(failures) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, failures)
}
