package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/swarmhost/pkg/api"
)

func TestRunningApps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/running", r.URL.Path)
		json.NewEncoder(w).Encode(api.Success([]api.RunningApp{{Name: "shop", Hash: "h1", RunningSince: 1000}}))
	}))
	defer server.Close()

	c := NewClient(WithTimeout(5 * time.Second))
	apps, err := c.RunningApps(context.Background(), server.URL)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "shop", apps[0].Name)
}

func TestErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apps/running":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(api.Failure(http.StatusConflict, "ConflictError", "busy"))
		case "/node":
			json.NewEncoder(w).Encode(api.Failure(0, "Error", "not ready"))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	c := NewClient()
	ctx := context.Background()

	_, err := c.RunningApps(ctx, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")

	_, err = c.NodeInfo(ctx, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")

	_, err = c.Get(ctx, server.URL+"/other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDecrypter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req decryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "owner", req.Owner)
		assert.Equal(t, uint32(1200000), req.Height)
		json.NewEncoder(w).Encode(api.Success(base64.StdEncoding.EncodeToString([]byte(`{"compose":[]}`))))
	}))
	defer server.Close()

	d := NewDecrypter(NewClient(), server.URL)
	plain, err := d.Decrypt(context.Background(), "owner", 1200000, "sealed")
	require.NoError(t, err)
	assert.JSONEq(t, `{"compose":[]}`, string(plain))
}
