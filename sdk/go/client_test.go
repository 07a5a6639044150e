package proplinesdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pl_key", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/v0/properties/p1/processes/i1/complete":
			body, _ := io.ReadAll(r.Body)
			var req struct {
				Outputs []Output `json:"outputs"`
			}
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, []Output{{Key: "decision", Value: "approved"}}, req.Outputs)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"process":{"id":"i1","type":"permit-submission","status":"completed"},
				"changes":[{"seq":3,"dimension":"approvalState","previous_value":"pending","new_value":"approved","trigger":"process-completion"}]}`)
		case "/v0/properties/p1/processes":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":{"code":"process_already_active","message":"process site-assessment already active"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "pl_key"
	ctx := context.Background()

	res, err := c.CompleteProcess(ctx, "p1", "i1", map[string]string{"decision": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Process.Status)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "approved", res.Changes[0].NewValue)

	_, err = c.StartProcess(ctx, "p1", "site-assessment", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "process_already_active", apiErr.Code)
}
