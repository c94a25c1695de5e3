//go:build integration

package adminapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/integration_tests/common"
	"github.com/TommyLike/mailman/server/adminapi"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

const apiKey = "test-api-key"

func setupAPI(t *testing.T) (*httptest.Server, *testutils.TestDatabase) {
	t.Helper()
	store := common.SetupStore(t)
	mailer := &testutils.RecordingMailer{}
	renderer := templates.New("")

	server, err := adminapi.New(store, adminapi.ServerOptions{
		APIKey:       apiKey,
		Digests:      digest.New(store, renderer, mailer, digest.Options{}),
		Mailer:       mailer,
		Renderer:     renderer,
		PasswordCost: 4,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func request(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPAPI_MassSubscribeAndUnsubscribe(t *testing.T) {
	ts, store := setupAPI(t)

	resp := request(t, ts, "POST", "/api/v1/lists/devel/members",
		`{"entries": ["Jane Doe <jane@example.com>", "bob@example.org", "not-an-address"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			Email  string `json:"email"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 3)
	assert.Equal(t, "Subscribed", body.Results[0].Status)
	assert.Equal(t, "Subscribed", body.Results[1].Status)
	assert.Equal(t, "Bad/Invalid email address", body.Results[2].Status)

	jane := common.Member(t, store, "devel", "jane@example.com")
	require.NotNil(t, jane)
	assert.Equal(t, "Jane Doe", jane.RealName)

	resp = request(t, ts, "DELETE", "/api/v1/lists/devel/members", `{"emails": ["jane@example.com", "bob@example.org"]}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, common.Member(t, store, "devel", "jane@example.com"))

	resp = request(t, ts, "DELETE", "/api/v1/lists/devel/members", `{"emails": ["jane@example.com"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failures map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failures))
	assert.Equal(t, map[string]string{"jane@example.com": "No such member."}, failures)
}

func TestHTTPAPI_DigestBump(t *testing.T) {
	ts, _ := setupAPI(t)

	resp := request(t, ts, "POST", "/api/v1/lists/devel/digest", `{"bump": true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var action adminapi.DigestActionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&action))
	assert.True(t, action.Bumped)
	assert.Equal(t, 2, action.Volume)
	assert.Equal(t, 1, action.NextIssue)
	assert.Nil(t, action.Sent)

	resp = request(t, ts, "POST", "/api/v1/lists/nosuch/digest", `{"bump": true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
