package adminapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/TommyLike/mailman/mailinglist"
)

// ListResponse is the public view of a list's configuration.
type ListResponse struct {
	Name                  string    `json:"name"`
	Host                  string    `json:"host"`
	RealName              string    `json:"real_name"`
	Description           string    `json:"description,omitempty"`
	Address               string    `json:"address"`
	RequestAddress        string    `json:"request_address"`
	Owner                 string    `json:"owner,omitempty"`
	Advertised            bool      `json:"advertised"`
	PrivateRoster         int       `json:"private_roster"`
	SubscribePolicy       string    `json:"subscribe_policy"`
	Digestable            bool      `json:"digestable"`
	Nondigestable         bool      `json:"nondigestable"`
	DigestIsDefault       bool      `json:"digest_is_default"`
	DigestFrequency       string    `json:"digest_frequency"`
	DigestSizeThresholdKB int       `json:"digest_size_threshold_kb"`
	DigestSendPeriodic    bool      `json:"digest_send_periodic"`
	Ready                 bool      `json:"ready"`
	CreatedAt             time.Time `json:"created_at"`
}

func toListResponse(l *mailinglist.List) ListResponse {
	return ListResponse{
		Name:                  l.Name,
		Host:                  l.Host,
		RealName:              l.DisplayName(),
		Description:           l.Description,
		Address:               l.Address(),
		RequestAddress:        l.RequestAddress(),
		Owner:                 l.Owner,
		Advertised:            l.Advertised,
		PrivateRoster:         int(l.PrivateRoster),
		SubscribePolicy:       l.SubscribePolicy.String(),
		Digestable:            l.Digestable,
		Nondigestable:         l.Nondigestable,
		DigestIsDefault:       l.DigestIsDefault,
		DigestFrequency:       l.DigestFrequency.String(),
		DigestSizeThresholdKB: l.DigestSizeThresholdKB,
		DigestSendPeriodic:    l.DigestSendPeriodic,
		Ready:                 l.Ready,
		CreatedAt:             l.CreatedAt,
	}
}

// handleListLists handles GET /api/v1/lists
func (s *Server) handleListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.ListLists(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp := make([]ListResponse, 0, len(lists))
	for _, l := range lists {
		resp = append(resp, toListResponse(l))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lists": resp, "total": len(resp)})
}

// handleGetList handles GET /api/v1/lists/{list}
func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetList(r.Context(), mux.Vars(r)["list"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toListResponse(l))
}
