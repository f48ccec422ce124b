package relayserver_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gsn "github.com/gsnrelay/gsn/go"
	"github.com/gsnrelay/gsn/go/contracts"
	"github.com/gsnrelay/gsn/go/relayserver"
)

func TestDecodeRelayTransactionRequest(t *testing.T) {
	f := newServerFixture(t, contracts.NewAcceptEverything())
	submission := f.emitSubmission("decode")
	valid, err := json.Marshal(submission)
	require.NoError(t, err)

	t.Run("valid body round trips", func(t *testing.T) {
		decoded, err := relayserver.DecodeRelayTransactionRequest(valid)
		require.NoError(t, err)
		assert.Equal(t, submission.RelayRequest.From, decoded.RelayRequest.From)
		assert.Equal(t, submission.Metadata.Signature, decoded.Metadata.Signature)
		assert.Equal(t, 0, submission.RelayRequest.RelayData.GasPrice.Cmp(decoded.RelayRequest.RelayData.GasPrice))
	})

	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		message string
	}{
		{
			name:    "missing metadata",
			mutate:  func(m map[string]interface{}) { delete(m, "metadata") },
			message: "metadata",
		},
		{
			name: "bad sender address",
			mutate: func(m map[string]interface{}) {
				m["relayRequest"].(map[string]interface{})["from"] = "0x1234"
			},
			message: "relayRequest.from",
		},
		{
			name: "short signature",
			mutate: func(m map[string]interface{}) {
				m["metadata"].(map[string]interface{})["signature"] = "0xabcd"
			},
			message: "signature",
		},
		{
			name: "negative gas price",
			mutate: func(m map[string]interface{}) {
				m["relayRequest"].(map[string]interface{})["relayData"].(map[string]interface{})["gasPrice"] = -1
			},
			message: "gasPrice",
		},
		{
			name: "odd length data",
			mutate: func(m map[string]interface{}) {
				m["relayRequest"].(map[string]interface{})["data"] = "0xabc"
			},
			message: "data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(valid, &body))
			tt.mutate(body)
			raw, err := json.Marshal(body)
			require.NoError(t, err)

			_, err = relayserver.DecodeRelayTransactionRequest(raw)
			require.Error(t, err)
			assert.Equal(t, gsn.ErrCodeInvalidRequest, gsn.CodeOf(err))
			assert.True(t, strings.Contains(err.Error(), tt.message), err.Error())
		})
	}

	t.Run("not json", func(t *testing.T) {
		_, err := relayserver.DecodeRelayTransactionRequest([]byte("relay please"))
		require.Error(t, err)
		assert.Equal(t, gsn.ErrCodeInvalidRequest, gsn.CodeOf(err))
	})
}
