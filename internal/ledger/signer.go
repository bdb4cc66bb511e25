package ledger

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CancelGas is the gas of a plain value transfer.
const CancelGas = 21000

// KeySigner signs with a local secp256k1 key for one chain.
type KeySigner struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer types.Signer
}

// NewKeySigner parses a hex private key (with or without 0x).
func NewKeySigner(hexKey string, chainID *big.Int) (*KeySigner, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if h == "" {
		return nil, errors.New("empty private key")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id required")
	}
	prv, err := gethcrypto.HexToECDSA(h)
	if err != nil {
		return nil, err
	}
	return &KeySigner{
		key:    prv,
		addr:   gethcrypto.PubkeyToAddress(prv.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) Sign(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}

// NewTransferTx builds an EIP-1559 ERC-20 transfer.
func NewTransferTx(chainID *big.Int, nonce uint64, token, to common.Address, amount *big.Int, gas uint64, tip, feeCap *big.Int) *types.Transaction {
	return buildDynamicTx(chainID, nonce, &token, big.NewInt(0), gas, tip, feeCap, EncodeERC20Transfer(to, amount))
}

// NewCancelTx builds the zero-value self-transfer that supersedes nonce.
func NewCancelTx(chainID *big.Int, nonce uint64, self common.Address, tip, feeCap *big.Int) *types.Transaction {
	return buildDynamicTx(chainID, nonce, &self, big.NewInt(0), CancelGas, tip, feeCap, nil)
}

func buildDynamicTx(chain *big.Int, nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, tip, feeCap *big.Int, data []byte) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(chain),
		Nonce:     nonce,
		Gas:       gasLimit,
		GasTipCap: new(big.Int).Set(tip),
		GasFeeCap: new(big.Int).Set(feeCap),
		To:        to,
		Value:     new(big.Int).Set(value),
		Data:      data,
	})
}
