package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
)

var digestParams = map[string]bool{"bump": true, "send": true, "periodic": true}

// DigestStateResponse describes where a list's digest numbering stands.
type DigestStateResponse struct {
	List            string     `json:"list"`
	Volume          int        `json:"volume"`
	NextIssue       int        `json:"next_issue"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
	PendingMessages int        `json:"pending_messages"`
	PendingBytes    int64      `json:"pending_bytes"`
}

// DigestIssueResponse describes a digest that was queued for delivery.
type DigestIssueResponse struct {
	Subject    string `json:"subject"`
	Volume     int    `json:"volume"`
	Issue      int    `json:"issue"`
	Messages   int    `json:"messages"`
	Recipients int    `json:"recipients"`
}

// DigestActionResponse is returned when a bump or send was requested.
type DigestActionResponse struct {
	Bumped    bool                 `json:"bumped"`
	Volume    int                  `json:"volume"`
	NextIssue int                  `json:"next_issue"`
	Sent      *DigestIssueResponse `json:"sent,omitempty"`
}

// readParams returns the request parameters from a JSON object or a form
// body as strings.
func readParams(r *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[len(values)-1]
			}
		}
		return params, nil
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return params, nil
		}
		return nil, err
	}
	for key, value := range body {
		params[key] = fmt.Sprint(value)
	}
	return params, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// handleDigest handles POST /api/v1/lists/{list}/digest
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	listName := mux.Vars(r)["list"]

	params, err := readParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid Input.")
		return
	}

	var unexpected []string
	for _, key := range sortedKeys(params) {
		if !digestParams[key] {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		s.writeError(w, http.StatusBadRequest, "Unexpected parameters: "+strings.Join(unexpected, ", "))
		return
	}

	flags := make(map[string]bool, len(params))
	var unconvertible []string
	for _, key := range sortedKeys(params) {
		v, err := strconv.ParseBool(strings.ToLower(params[key]))
		if err != nil {
			unconvertible = append(unconvertible, key)
			continue
		}
		flags[key] = v
	}
	if len(unconvertible) > 0 {
		s.writeError(w, http.StatusBadRequest, "Cannot convert parameters: "+strings.Join(unconvertible, ", "))
		return
	}
	if flags["send"] && flags["periodic"] {
		s.writeError(w, http.StatusBadRequest, "send and periodic options are mutually exclusive")
		return
	}

	ctx := r.Context()
	list, err := s.store.GetList(ctx, listName)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(params) == 0 {
		// Nothing to do, but that's okay.
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	req := digest.Request{Bump: flags["bump"], Send: flags["send"]}
	if flags["periodic"] && list.DigestSendPeriodic {
		req.Send = true
	}

	report, err := s.digests.Apply(ctx, list.Name, req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := DigestActionResponse{
		Bumped:    report.Bumped,
		Volume:    report.State.Volume,
		NextIssue: report.State.Issue,
	}
	if report.Issue != nil {
		resp.Sent = &DigestIssueResponse{
			Subject:    report.Issue.Subject,
			Volume:     report.Issue.Volume,
			Issue:      report.Issue.Number,
			Messages:   report.Issue.Messages,
			Recipients: report.Issue.Recipients,
		}
	}
	logger.Info("AdminAPI: digest request applied", "list", list.Name, "bump", req.Bump, "send", req.Send, "sent", report.Issue != nil)
	s.writeJSON(w, http.StatusAccepted, resp)
}

// handleGetDigest handles GET /api/v1/lists/{list}/digest
func (s *Server) handleGetDigest(w http.ResponseWriter, r *http.Request) {
	listName := mux.Vars(r)["list"]

	var resp DigestStateResponse
	err := s.store.WithListLock(r.Context(), listName, func(ctx context.Context, tx mailinglist.Tx) error {
		state, err := tx.GetDigestState(ctx)
		if err != nil {
			return err
		}
		msgs, err := tx.DigestMessages(ctx)
		if err != nil {
			return err
		}
		resp = DigestStateResponse{
			List:            listName,
			Volume:          state.Volume,
			NextIssue:       state.Issue,
			LastSentAt:      state.LastSentAt,
			PendingMessages: len(msgs),
		}
		for _, m := range msgs {
			resp.PendingBytes += m.Size
		}
		return nil
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
