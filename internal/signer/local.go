package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Local signs with a secp256k1 key held in process memory. It is loaded once
// at startup and fails fast when the key is unusable. Only for explicitly
// flagged non-production runs: the key sits on disk next to the process.
type Local struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer types.Signer
}

// NewLocal parses a hex-encoded private key (with or without 0x prefix).
func NewLocal(privateKeyHex string, chainID *big.Int) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return &Local{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
	}, nil
}

func (l *Local) Address() common.Address {
	return l.addr
}

func (l *Local) SignTransaction(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return signed, nil
}

func (l *Local) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), l.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// Compile-time interface check
var _ Signer = (*Local)(nil)
