package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	gsn "github.com/gsnrelay/gsn/go"
	gsnevm "github.com/gsnrelay/gsn/go/evm"
)

// Forwarder authenticates relay requests and calls their target on behalf
// of the signer. The signer's address is appended to the forwarded call data.
type Forwarder struct {
	nonces map[common.Address]*big.Int
}

// NewForwarder creates a forwarder with no consumed nonces.
func NewForwarder() *Forwarder {
	return &Forwarder{nonces: make(map[common.Address]*big.Int)}
}

func (f *Forwarder) Snapshot() func() {
	saved := copyBigMap(f.nonces)
	return func() { f.nonces = saved }
}

// Run dispatches an ABI call.
func (f *Forwarder) Run(env Env, input []byte) ([]byte, error) {
	method, args, err := dispatch(gsnevm.ForwarderABI, input)
	if err != nil {
		return nil, err
	}
	if err := rejectValue(env, method); err != nil {
		return nil, err
	}

	switch method.Name {
	case gsnevm.FunctionGetNonce:
		if err := env.UseGas(GasStorageRead); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(f.nonce(args[0].(common.Address)))

	case gsnevm.FunctionVerify:
		request, err := gsnevm.RelayRequestFromABI(args[0])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		if err := f.verify(env, request, args[1].([]byte)); err != nil {
			return nil, err
		}
		return method.Outputs.Pack()

	case gsnevm.FunctionVerifyAndForward:
		request, err := gsnevm.RelayRequestFromABI(args[0])
		if err != nil {
			return nil, &Revert{Reason: err.Error()}
		}
		success, ret, err := f.verifyAndForward(env, request, args[1].([]byte))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(success, ret)
	}
	return nil, &Revert{Reason: "unknown method " + method.Name}
}

func (f *Forwarder) nonce(from common.Address) *big.Int {
	if n, ok := f.nonces[from]; ok {
		return new(big.Int).Set(n)
	}
	return new(big.Int)
}

func (f *Forwarder) verify(env Env, request gsn.RelayRequest, signature []byte) error {
	if err := env.UseGas(GasEcrecover + GasStorageRead); err != nil {
		return err
	}
	request.Normalize()

	if request.RelayData.Forwarder != env.Self() {
		return Revertf(gsn.ErrCodeInvalidSignature, "request is for forwarder %s", request.RelayData.Forwarder.Hex())
	}
	signer, err := gsnevm.RecoverRelayRequestSigner(request, signature, env.ChainID())
	if err != nil {
		return Revertf(gsn.ErrCodeInvalidSignature, "%v", err)
	}
	if signer != request.From {
		return Revertf(gsn.ErrCodeInvalidSignature, "signer %s is not sender %s", signer.Hex(), request.From.Hex())
	}

	if current := f.nonce(request.From); current.Cmp(request.Nonce) != 0 {
		return Revertf(gsn.ErrCodeNonceMismatch, "nonce %s, expected %s", request.Nonce, current)
	}

	if request.ValidUntil.Sign() > 0 && new(big.Int).SetUint64(env.Time()).Cmp(request.ValidUntil) > 0 {
		return Revertf(gsn.ErrCodeExpired, "request expired at %s", request.ValidUntil)
	}
	return nil
}

func (f *Forwarder) verifyAndForward(env Env, request gsn.RelayRequest, signature []byte) (bool, []byte, error) {
	if err := f.verify(env, request, signature); err != nil {
		return false, nil, err
	}
	request.Normalize()
	if request.Value.Cmp(env.Value()) != 0 {
		return false, nil, &Revert{Reason: "value mismatch"}
	}

	if err := env.UseGas(GasStorageWrite); err != nil {
		return false, nil, err
	}
	f.nonces[request.From] = new(big.Int).Add(f.nonce(request.From), big.NewInt(1))

	gas := u64(request.Gas)
	if env.GasLeft() < gas {
		return false, nil, Revertf(gsn.ErrCodeInsufficientGas, "forwarded call needs %d gas, %d left", gas, env.GasLeft())
	}

	data := make([]byte, 0, len(request.Data)+gsnevm.AddressLength)
	data = append(data, request.Data...)
	data = append(data, request.From.Bytes()...)

	ret, err := env.Call(request.To, request.Value, data, gas)
	if ret == nil {
		ret = []byte{}
	}
	return err == nil, ret, nil
}
