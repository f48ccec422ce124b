package relayserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	gsnhttp "github.com/gsnrelay/gsn/go/http"
	"github.com/gsnrelay/gsn/go/relayserver"
)

func postRelay(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/relay", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gsnhttp.RequestIDHeader, "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHTTPHandler(t *testing.T) {
	t.Run("getaddr returns the ping response", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewAcceptEverything())
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/getaddr")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ping gsn.PingResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ping))
		assert.True(t, ping.Ready)
		assert.Equal(t, f.worker.Address(), ping.RelayWorkerAddress)
		assert.Equal(t, f.net.ChainID, ping.ChainID)
	})

	t.Run("relay accepts a signed request", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewAcceptEverything())
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		body, err := json.Marshal(f.emitSubmission("over http"))
		require.NoError(t, err)
		resp, data := postRelay(t, srv.URL, body)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
		assert.Equal(t, "req-1", resp.Header.Get(gsnhttp.RequestIDHeader))

		var relayed gsn.RelayTransactionResponse
		require.NoError(t, json.Unmarshal(data, &relayed))
		assert.Equal(t, relayed.TxHash, decodeTx(t, relayed.SignedTx).Hash())
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewAcceptEverything())
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		resp, data := postRelay(t, srv.URL, []byte(`{"relayRequest": {"from": "nope"}}`))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var errResp relayserver.ErrorResponse
		require.NoError(t, json.Unmarshal(data, &errResp))
		assert.Equal(t, gsn.ErrCodeInvalidRequest, errResp.Code)
		assert.NotEmpty(t, errResp.Details["errors"])
	})

	t.Run("rejection carries the error code", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewPreconfiguredApproval([]byte("ABC")))
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		body, err := json.Marshal(f.emitSubmission("x"))
		require.NoError(t, err)
		resp, data := postRelay(t, srv.URL, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var errResp relayserver.ErrorResponse
		require.NoError(t, json.Unmarshal(data, &errResp))
		assert.Equal(t, gsn.ErrCodeRejectedByPaymaster, errResp.Code)
		assert.Contains(t, errResp.Error, "unexpected approvalData")
	})

	t.Run("unregistered relay answers 503", func(t *testing.T) {
		f := newUnregisteredFixture(t, contracts.NewAcceptEverything())
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		body, err := json.Marshal(f.emitSubmission("x"))
		require.NoError(t, err)
		resp, data := postRelay(t, srv.URL, body)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(data))

		health, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		health.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, health.StatusCode)
	})

	t.Run("rate limit returns 429", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewAcceptEverything(), func(c *relayserver.ServerConfig) {
			c.RateLimit = 1
		})
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		first, err := json.Marshal(f.emitSubmission("first"))
		require.NoError(t, err)
		resp, _ := postRelay(t, srv.URL, first)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, data := postRelay(t, srv.URL, first)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Contains(t, string(data), gsn.ErrCodeRelayRejected)
	})

	t.Run("health and metrics", func(t *testing.T) {
		f := newServerFixture(t, contracts.NewAcceptEverything())
		_, err := f.server.CreateRelayTransaction(f.ctx, f.emitSubmission("count me"))
		require.NoError(t, err)
		srv := httptest.NewServer(f.server.Handler())
		defer srv.Close()

		health, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		health.Body.Close()
		assert.Equal(t, http.StatusOK, health.StatusCode)

		metrics, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer metrics.Body.Close()
		data, err := io.ReadAll(metrics.Body)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "gsn_relay_relayed_total 1"))
	})
}
