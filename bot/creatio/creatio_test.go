package creatio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authHandler(t *testing.T, mux *http.ServeMux) {
	t.Helper()
	mux.HandleFunc("/ServiceModel/AuthService.svc/Login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "operator", creds["UserName"])
		assert.Equal(t, "secret", creds["UserPassword"])

		http.SetCookie(w, &http.Cookie{Name: "BPMCSRF", Value: "csrf-token"})
		http.SetCookie(w, &http.Cookie{Name: ".ASPXAUTH", Value: "session-cookie"})
		_ = json.NewEncoder(w).Encode(map[string]any{"Code": 0})
	})
}

func TestParseODataVersion(t *testing.T) {
	for _, raw := range []string{"v3", "v4", "v4core"} {
		v, err := ParseODataVersion(raw)
		require.NoError(t, err)
		assert.Equal(t, ODataVersion(raw), v)
	}
	_, err := ParseODataVersion("v2")
	assert.Error(t, err)
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "/SLReceiptCollection", V3.objectPath("SLReceipt", ""))
	assert.Equal(t, "/SLReceiptCollection(guid'abc')", V3.objectPath("SLReceipt", "abc"))
	assert.Equal(t, "/SLReceipt", V4.objectPath("SLReceipt", ""))
	assert.Equal(t, "/SLReceipt(abc)", V4Core.objectPath("SLReceipt", "abc"))
}

func TestServicePath(t *testing.T) {
	assert.Equal(t, "/0/ServiceModel/EntityDataService.svc", V3.servicePath())
	assert.Equal(t, "/0/odata", V4.servicePath())
	assert.Equal(t, "/odata", V4Core.servicePath())
}

func TestNewClientAuthRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ServiceModel/AuthService.svc/Login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"Code": 1, "Message": "bad credentials"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewClient(context.Background(), srv.URL, "operator", "wrong", V4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestCreateObjectV4(t *testing.T) {
	mux := http.NewServeMux()
	authHandler(t, mux)
	mux.HandleFunc("/0/odata/SLReceipt", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "csrf-token", r.Header.Get("BPMCSRF"))
		assert.Equal(t, "true", r.Header.Get("ForceUseSession"))
		if c, err := r.Cookie(".ASPXAUTH"); assert.NoError(t, err) {
			assert.Equal(t, "session-cookie", c.Value)
		}

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "desk-guid", payload["SLTrelloDeskId"])

		_ = json.NewEncoder(w).Encode(map[string]any{"Id": "new-guid"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), srv.URL, "operator", "secret", V4)
	require.NoError(t, err)

	obj, err := c.CreateObject(context.Background(), "SLReceipt", map[string]any{
		"SLTrelloDeskId": "desk-guid",
	})
	require.NoError(t, err)
	assert.Equal(t, "new-guid", obj.ID())
}

func TestCreateObjectV3Envelope(t *testing.T) {
	mux := http.NewServeMux()
	authHandler(t, mux)
	mux.HandleFunc("/0/ServiceModel/EntityDataService.svc/SLReceiptCollection", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json;odata=verbose", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"d": map[string]any{"Id": "v3-guid"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), srv.URL, "operator", "secret", V3)
	require.NoError(t, err)

	obj, err := c.CreateObject(context.Background(), "SLReceipt", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "v3-guid", obj.ID())
}

func TestCreateObjectErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	authHandler(t, mux)
	mux.HandleFunc("/0/odata/SLReceipt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"column does not exist"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), srv.URL, "operator", "secret", V4)
	require.NoError(t, err)

	_, err = c.CreateObject(context.Background(), "SLReceipt", map[string]any{"Bad": 1})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Response, "column does not exist")
	assert.Contains(t, apiErr.Detail(), "column does not exist")
	assert.Equal(t, V4, apiErr.Version)
}

func TestGetCollection(t *testing.T) {
	mux := http.NewServeMux()
	authHandler(t, mux)
	mux.HandleFunc("/0/odata/SLReceiptTask", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "filter=SLReceipt/Id eq guid'abc'", r.URL.Query().Get("$filter"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{"Id": "item-1"}, {"Id": "item-2"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), srv.URL, "operator", "secret", V4)
	require.NoError(t, err)

	items, err := c.GetCollection(context.Background(), "SLReceiptTask",
		"filter=SLReceipt/Id eq guid'abc'")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].ID())
	assert.Equal(t, "item-2", items[1].ID())
}

func TestDeleteObject(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	authHandler(t, mux)
	mux.HandleFunc("/0/odata/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(context.Background(), srv.URL, "operator", "secret", V4)
	require.NoError(t, err)

	require.NoError(t, c.DeleteObject(context.Background(), "SLReceiptTask", "item-1"))
	assert.Equal(t, "/0/odata/SLReceiptTask(item-1)", deleted)
}
