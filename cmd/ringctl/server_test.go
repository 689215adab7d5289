package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	shardring "go-shardring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	var (
		nodes = []shardring.NodeID{"localhost:27019", "localhost:27020", "localhost:27021"}

		newSUT = func(t *testing.T) (*httptest.Server, *shardring.Cluster) {
			var (
				cluster  = shardring.New()
				newStore = func(shardring.NodeID) shardring.RecordStore { return shardring.NewMemoryStore() }
				logger   = slog.New(slog.NewTextHandler(io.Discard, nil))
			)
			for _, id := range nodes {
				_, err := cluster.AddNode(context.Background(), id, newStore(id))
				require.NoError(t, err)
			}

			var srv = httptest.NewServer(newServer(cluster, newStore, logger).routes())
			t.Cleanup(srv.Close)
			return srv, cluster
		}
		do = func(t *testing.T, method, url, body string) *http.Response {
			var req, err = http.NewRequest(method, url, strings.NewReader(body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			t.Cleanup(func() { _ = resp.Body.Close() })
			return resp
		}
		decode = func(t *testing.T, resp *http.Response, v any) {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
	)

	t.Run("should put and get a key", func(t *testing.T) {
		// Arrange
		var srv, cluster = newSUT(t)

		// Act
		var putResp = do(t, http.MethodPut, srv.URL+"/keys/13", "value_13")
		var getResp = do(t, http.MethodGet, srv.URL+"/keys/13", "")

		// Assert
		require.Equal(t, http.StatusOK, putResp.StatusCode)
		var placement placementResponse
		decode(t, putResp, &placement)
		var want, _ = cluster.PlacementFor("13")
		assert.Equal(t, want.Primary, placement.Primary)
		assert.Equal(t, want.Backup, placement.Backup)

		require.Equal(t, http.StatusOK, getResp.StatusCode)
		var record recordResponse
		decode(t, getResp, &record)
		assert.Equal(t, "value_13", record.Value)
		assert.Equal(t, want.Primary, record.Node)
		assert.Equal(t, shardring.RolePrimary, record.Role)
	})

	t.Run("should return not found for missing key", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)

		// Act
		var resp = do(t, http.MethodGet, srv.URL+"/keys/missing", "")

		// Assert
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should serve from backup after failing primary", func(t *testing.T) {
		// Arrange
		var srv, cluster = newSUT(t)
		require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/keys/13", "value_13").StatusCode)
		var p, _ = cluster.PlacementFor("13")

		// Act
		var failResp = do(t, http.MethodPost, srv.URL+"/nodes/"+string(p.Primary)+"/fail", "")
		var getResp = do(t, http.MethodGet, srv.URL+"/keys/13", "")

		// Assert
		require.Equal(t, http.StatusOK, failResp.StatusCode)
		var report migrationResponse
		decode(t, failResp, &report)
		assert.Equal(t, shardring.MigrationFailure, report.Kind)
		assert.True(t, report.Complete)

		require.Equal(t, http.StatusOK, getResp.StatusCode)
		var record recordResponse
		decode(t, getResp, &record)
		assert.Equal(t, p.Backup, record.Node)
		assert.Equal(t, shardring.RoleBackup, record.Role)
	})

	t.Run("should add and remove nodes", func(t *testing.T) {
		// Arrange
		var srv, cluster = newSUT(t)

		// Act
		var addResp = do(t, http.MethodPost, srv.URL+"/nodes", `{"id":"localhost:27022"}`)
		var removeResp = do(t, http.MethodDelete, srv.URL+"/nodes/localhost:27019", "")

		// Assert
		require.Equal(t, http.StatusCreated, addResp.StatusCode)
		require.Equal(t, http.StatusOK, removeResp.StatusCode)

		var report migrationResponse
		decode(t, removeResp, &report)
		assert.Equal(t, shardring.MigrationRemoval, report.Kind)
		assert.True(t, report.Complete)
		assert.Equal(t, []shardring.NodeID{"localhost:27020", "localhost:27021", "localhost:27022"}, cluster.Nodes())

		var migrationResp = do(t, http.MethodGet, srv.URL+"/migrations/"+report.ID, "")
		assert.Equal(t, http.StatusOK, migrationResp.StatusCode)
	})

	t.Run("should reject invalid node id", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)

		// Act
		var resp = do(t, http.MethodPost, srv.URL+"/nodes", `{"id":"no-port"}`)

		// Assert
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should conflict on duplicate node", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)

		// Act
		var resp = do(t, http.MethodPost, srv.URL+"/nodes", `{"id":"localhost:27019"}`)

		// Assert
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("should audit and verify", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)
		for _, key := range []string{"1", "2", "3"} {
			require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/keys/"+key, "v").StatusCode)
		}

		// Act
		var auditResp = do(t, http.MethodGet, srv.URL+"/audit", "")
		var verifyResp = do(t, http.MethodGet, srv.URL+"/verify", "")

		// Assert
		require.Equal(t, http.StatusOK, auditResp.StatusCode)
		var audit auditResponse
		decode(t, auditResp, &audit)
		assert.Equal(t, 3, audit.TotalPrimary)
		assert.Equal(t, 3, audit.TotalBackup)
		assert.Len(t, audit.Nodes, 3)

		require.Equal(t, http.StatusOK, verifyResp.StatusCode)
		var violations []shardring.Violation
		decode(t, verifyResp, &violations)
		assert.Empty(t, violations)
	})

	t.Run("should return not found for unknown migration", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)

		// Act
		var resp = do(t, http.MethodPost, srv.URL+"/migrations/missing/resume", "")

		// Assert
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should delete a key", func(t *testing.T) {
		// Arrange
		var srv, _ = newSUT(t)
		require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/keys/13", "v").StatusCode)

		// Act
		var deleteResp = do(t, http.MethodDelete, srv.URL+"/keys/13", "")
		var getResp = do(t, http.MethodGet, srv.URL+"/keys/13", "")

		// Assert
		assert.Equal(t, http.StatusNoContent, deleteResp.StatusCode)
		assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	})
}
