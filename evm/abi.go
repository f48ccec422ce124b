package evm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const relayDataComponents = `[
	{"name": "gasPrice", "type": "uint256"},
	{"name": "pctRelayFee", "type": "uint256"},
	{"name": "baseRelayFee", "type": "uint256"},
	{"name": "relayWorker", "type": "address"},
	{"name": "paymaster", "type": "address"},
	{"name": "forwarder", "type": "address"},
	{"name": "paymasterData", "type": "bytes"},
	{"name": "clientId", "type": "uint256"}
]`

const relayRequestComponents = `[
	{"name": "from", "type": "address"},
	{"name": "to", "type": "address"},
	{"name": "value", "type": "uint256"},
	{"name": "gas", "type": "uint256"},
	{"name": "nonce", "type": "uint256"},
	{"name": "data", "type": "bytes"},
	{"name": "validUntil", "type": "uint256"},
	{"name": "relayData", "type": "tuple", "components": ` + relayDataComponents + `}
]`

const relayRequestInput = `{"name": "relayRequest", "type": "tuple", "components": ` + relayRequestComponents + `}`

const relayDataInput = `{"name": "relayData", "type": "tuple", "components": ` + relayDataComponents + `}`

var (
	// RelayHubABIJSON is the hub interface used by workers, clients and the penalizer.
	RelayHubABIJSON = []byte(`[
		{
			"type": "function", "name": "relayCall", "stateMutability": "nonpayable",
			"inputs": [
				` + relayRequestInput + `,
				{"name": "signature", "type": "bytes"},
				{"name": "approvalData", "type": "bytes"},
				{"name": "externalGasLimit", "type": "uint256"}
			],
			"outputs": [
				{"name": "paymasterAccepted", "type": "bool"},
				{"name": "returnValue", "type": "bytes"}
			]
		},
		{
			"type": "function", "name": "innerRelayCall", "stateMutability": "nonpayable",
			"inputs": [
				` + relayRequestInput + `,
				{"name": "signature", "type": "bytes"},
				{"name": "paymasterContext", "type": "bytes"},
				{"name": "gasUsedBefore", "type": "uint256"},
				{"name": "preRelayedCallGasLimit", "type": "uint256"},
				{"name": "postRelayedCallGasLimit", "type": "uint256"}
			],
			"outputs": [
				{"name": "status", "type": "uint8"},
				{"name": "returnValue", "type": "bytes"}
			]
		},
		{
			"type": "function", "name": "depositFor", "stateMutability": "payable",
			"inputs": [{"name": "target", "type": "address"}],
			"outputs": []
		},
		{
			"type": "function", "name": "balanceOf", "stateMutability": "view",
			"inputs": [{"name": "target", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"type": "function", "name": "withdraw", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "amount", "type": "uint256"},
				{"name": "dest", "type": "address"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "addRelayWorkers", "stateMutability": "nonpayable",
			"inputs": [{"name": "newRelayWorkers", "type": "address[]"}],
			"outputs": []
		},
		{
			"type": "function", "name": "registerRelayServer", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "baseRelayFee", "type": "uint256"},
				{"name": "pctRelayFee", "type": "uint256"},
				{"name": "url", "type": "string"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "calculateCharge", "stateMutability": "view",
			"inputs": [
				{"name": "gasUsed", "type": "uint256"},
				` + relayDataInput + `
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"type": "function", "name": "workerToManager", "stateMutability": "view",
			"inputs": [{"name": "worker", "type": "address"}],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"type": "function", "name": "isRelayManagerStaked", "stateMutability": "view",
			"inputs": [{"name": "relayManager", "type": "address"}],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"type": "function", "name": "getConfiguration", "stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "minimumStake", "type": "uint256"},
				{"name": "minimumUnstakeDelay", "type": "uint256"},
				{"name": "stakeManager", "type": "address"}
			]
		},
		{
			"type": "event", "name": "TransactionRelayed", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "relayWorker", "type": "address", "indexed": true},
				{"name": "from", "type": "address", "indexed": true},
				{"name": "to", "type": "address", "indexed": false},
				{"name": "paymaster", "type": "address", "indexed": false},
				{"name": "selector", "type": "bytes4", "indexed": false},
				{"name": "status", "type": "uint8", "indexed": false},
				{"name": "charge", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "TransactionResult", "anonymous": false,
			"inputs": [
				{"name": "status", "type": "uint8", "indexed": false},
				{"name": "returnValue", "type": "bytes", "indexed": false}
			]
		},
		{
			"type": "event", "name": "Deposited", "anonymous": false,
			"inputs": [
				{"name": "paymaster", "type": "address", "indexed": true},
				{"name": "from", "type": "address", "indexed": true},
				{"name": "amount", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "Withdrawn", "anonymous": false,
			"inputs": [
				{"name": "account", "type": "address", "indexed": true},
				{"name": "dest", "type": "address", "indexed": true},
				{"name": "amount", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "RelayServerRegistered", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "baseRelayFee", "type": "uint256", "indexed": false},
				{"name": "pctRelayFee", "type": "uint256", "indexed": false},
				{"name": "relayUrl", "type": "string", "indexed": false}
			]
		},
		{
			"type": "event", "name": "RelayWorkersAdded", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "newRelayWorkers", "type": "address[]", "indexed": false},
				{"name": "workersCount", "type": "uint256", "indexed": false}
			]
		}
	]`)

	// ForwarderABIJSON is the forwarder interface
	ForwarderABIJSON = []byte(`[
		{
			"type": "function", "name": "getNonce", "stateMutability": "view",
			"inputs": [{"name": "from", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"type": "function", "name": "verify", "stateMutability": "view",
			"inputs": [
				` + relayRequestInput + `,
				{"name": "signature", "type": "bytes"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "verifyAndForward", "stateMutability": "payable",
			"inputs": [
				` + relayRequestInput + `,
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [
				{"name": "success", "type": "bool"},
				{"name": "ret", "type": "bytes"}
			]
		}
	]`)

	// StakeManagerABIJSON is the stake escrow interface
	StakeManagerABIJSON = []byte(`[
		{
			"type": "function", "name": "stake", "stateMutability": "payable",
			"inputs": [
				{"name": "relayManager", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "unstakeDelay", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "unstake", "stateMutability": "nonpayable",
			"inputs": [{"name": "relayManager", "type": "address"}],
			"outputs": []
		},
		{
			"type": "function", "name": "withdraw", "stateMutability": "nonpayable",
			"inputs": [{"name": "relayManager", "type": "address"}],
			"outputs": []
		},
		{
			"type": "function", "name": "penalize", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "relayManager", "type": "address"},
				{"name": "beneficiary", "type": "address"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "getStakeInfo", "stateMutability": "view",
			"inputs": [{"name": "relayManager", "type": "address"}],
			"outputs": [
				{"name": "stake", "type": "uint256"},
				{"name": "unstakeDelay", "type": "uint256"},
				{"name": "withdrawBlock", "type": "uint256"},
				{"name": "owner", "type": "address"}
			]
		},
		{
			"type": "function", "name": "isRelayManagerStaked", "stateMutability": "view",
			"inputs": [
				{"name": "relayManager", "type": "address"},
				{"name": "minAmount", "type": "uint256"},
				{"name": "minUnstakeDelay", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"type": "event", "name": "StakeAdded", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "owner", "type": "address", "indexed": true},
				{"name": "stake", "type": "uint256", "indexed": false},
				{"name": "unstakeDelay", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "StakeUnlocked", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "owner", "type": "address", "indexed": true},
				{"name": "withdrawBlock", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "StakeWithdrawn", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "owner", "type": "address", "indexed": true},
				{"name": "amount", "type": "uint256", "indexed": false}
			]
		},
		{
			"type": "event", "name": "StakePenalized", "anonymous": false,
			"inputs": [
				{"name": "relayManager", "type": "address", "indexed": true},
				{"name": "beneficiary", "type": "address", "indexed": true},
				{"name": "reward", "type": "uint256", "indexed": false}
			]
		}
	]`)

	// PenalizerABIJSON is the misbehavior reporting interface
	PenalizerABIJSON = []byte(`[
		{
			"type": "function", "name": "penalizeRepeatedNonce", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "signedTx1", "type": "bytes"},
				{"name": "signedTx2", "type": "bytes"}
			],
			"outputs": []
		},
		{
			"type": "function", "name": "penalizeIllegalTransaction", "stateMutability": "nonpayable",
			"inputs": [{"name": "signedTx", "type": "bytes"}],
			"outputs": []
		}
	]`)

	// PaymasterABIJSON is the sponsor interface called by the hub
	PaymasterABIJSON = []byte(`[
		{
			"type": "function", "name": "acceptRelayedCall", "stateMutability": "view",
			"inputs": [
				` + relayRequestInput + `,
				{"name": "signature", "type": "bytes"},
				{"name": "approvalData", "type": "bytes"},
				{"name": "maxPossibleCharge", "type": "uint256"}
			],
			"outputs": [{"name": "context", "type": "bytes"}]
		},
		{
			"type": "function", "name": "preRelayedCall", "stateMutability": "nonpayable",
			"inputs": [{"name": "context", "type": "bytes"}],
			"outputs": [{"name": "", "type": "bytes32"}]
		},
		{
			"type": "function", "name": "postRelayedCall", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "context", "type": "bytes"},
				{"name": "success", "type": "bool"},
				{"name": "gasUseWithoutPost", "type": "uint256"},
				` + relayDataInput + `
			],
			"outputs": []
		},
		{
			"type": "function", "name": "getGasAndDataLimits", "stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "acceptanceBudget", "type": "uint256"},
				{"name": "preRelayedCallGasLimit", "type": "uint256"},
				{"name": "postRelayedCallGasLimit", "type": "uint256"},
				{"name": "calldataSizeLimit", "type": "uint256"}
			]
		},
		{
			"type": "function", "name": "trustedForwarder", "stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "address"}]
		},
		{
			"type": "function", "name": "setExpectedApprovalData", "stateMutability": "nonpayable",
			"inputs": [{"name": "approvalData", "type": "bytes"}],
			"outputs": []
		},
		{
			"type": "function", "name": "whitelistSender", "stateMutability": "nonpayable",
			"inputs": [
				{"name": "sender", "type": "address"},
				{"name": "allowed", "type": "bool"}
			],
			"outputs": []
		}
	]`)
)

// Parsed ABIs
var (
	RelayHubABI     = mustParseABI(RelayHubABIJSON)
	ForwarderABI    = mustParseABI(ForwarderABIJSON)
	StakeManagerABI = mustParseABI(StakeManagerABIJSON)
	PenalizerABI    = mustParseABI(PenalizerABIJSON)
	PaymasterABI    = mustParseABI(PaymasterABIJSON)
)

// MustParseABI parses a JSON ABI and panics on failure. It is meant for
// package-level definitions.
func MustParseABI(abiJSON []byte) abi.ABI {
	return mustParseABI(abiJSON)
}

func mustParseABI(abiJSON []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

var (
	revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	stringType, _  = abi.NewType("string", "", nil)
)

// EncodeRevert encodes reason as Error(string) revert data.
func EncodeRevert(reason string) []byte {
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		return nil
	}
	return append(append([]byte{}, revertSelector...), packed...)
}

// DecodeRevert extracts the reason from Error(string) revert data.
func DecodeRevert(data []byte) (string, bool) {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}

// RevertReason extracts the revert reason from a call or estimation error.
// It understands JSON-RPC data errors carrying hex revert payloads and falls
// back to the "execution reverted: " message prefix.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, ok := DecodeRevert(data); ok {
					return reason, true
				}
			}
		}
	}
	const prefix = "execution reverted: "
	if idx := strings.Index(err.Error(), prefix); idx >= 0 {
		return err.Error()[idx+len(prefix):], true
	}
	return "", false
}
