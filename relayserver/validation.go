package relayserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	gsn "github.com/gsnrelay/gsn/go"
)

const (
	addressPattern = `^0x[0-9a-fA-F]{40}$`
	hexPattern     = `^0x([0-9a-fA-F]{2})*$`
)

// relayRequestSchema describes the POST /relay body.
var relayRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["relayRequest", "metadata"],
	"properties": {
		"relayRequest": {
			"type": "object",
			"required": ["from", "to", "gas", "nonce", "data", "relayData"],
			"properties": {
				"from": {"type": "string", "pattern": "` + addressPattern + `"},
				"to": {"type": "string", "pattern": "` + addressPattern + `"},
				"value": {"type": ["integer", "null"], "minimum": 0},
				"gas": {"type": "integer", "minimum": 1},
				"nonce": {"type": "integer", "minimum": 0},
				"data": {"type": "string", "pattern": "` + hexPattern + `"},
				"validUntil": {"type": ["integer", "null"], "minimum": 0},
				"relayData": {
					"type": "object",
					"required": ["gasPrice", "pctRelayFee", "baseRelayFee", "relayWorker", "paymaster", "forwarder"],
					"properties": {
						"gasPrice": {"type": "integer", "minimum": 0},
						"pctRelayFee": {"type": "integer", "minimum": 0},
						"baseRelayFee": {"type": "integer", "minimum": 0},
						"relayWorker": {"type": "string", "pattern": "` + addressPattern + `"},
						"paymaster": {"type": "string", "pattern": "` + addressPattern + `"},
						"forwarder": {"type": "string", "pattern": "` + addressPattern + `"},
						"paymasterData": {"type": ["string", "null"], "pattern": "` + hexPattern + `"},
						"clientId": {"type": ["integer", "null"], "minimum": 0}
					}
				}
			}
		},
		"metadata": {
			"type": "object",
			"required": ["signature", "relayHubAddress", "relayMaxNonce"],
			"properties": {
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
				"approvalData": {"type": ["string", "null"], "pattern": "` + hexPattern + `"},
				"relayHubAddress": {"type": "string", "pattern": "` + addressPattern + `"},
				"relayMaxNonce": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

var compiledRelayRequestSchema = mustCompileSchema(relayRequestSchema)

func mustCompileSchema(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid relay request schema: %v", err))
	}
	return compiled
}

// DecodeRelayTransactionRequest validates body against the request schema
// and decodes it.
func DecodeRelayTransactionRequest(body []byte) (*gsn.RelayTransactionRequest, error) {
	result, err := compiledRelayRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRequest, fmt.Sprintf("invalid JSON: %v", err), nil)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRequest, strings.Join(problems, "; "),
			map[string]interface{}{"errors": problems})
	}

	var request gsn.RelayTransactionRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRequest, fmt.Sprintf("failed to decode request: %v", err), nil)
	}
	if err := gsn.ValidateRelayTransactionRequest(request); err != nil {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRequest, err.Error(), nil)
	}
	return &request, nil
}
