package gsn

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the chain access used by clients and relay daemons.
// *ethclient.Client satisfies it, as does the in-process simulated ledger.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ApprovalDataFunc supplies approval bytes for a signed request. It is
// invoked during request construction; a caller that stops waiting
// cancels ctx.
type ApprovalDataFunc func(ctx context.Context, request RelayRequest) ([]byte, error)

// RelayTransport talks to relay daemons.
type RelayTransport interface {
	GetPingResponse(ctx context.Context, relayURL string) (*PingResponse, error)
	RelayTransaction(ctx context.Context, relayURL string, request RelayTransactionRequest) (*RelayTransactionResponse, error)
}
