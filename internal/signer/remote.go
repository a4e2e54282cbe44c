package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/openclaw/settler/internal/retry"
)

const (
	remoteRequestTimeout = 10 * time.Second
	remoteMaxAttempts    = 4
	remoteBaseDelay      = 200 * time.Millisecond
)

// Remote delegates signing to an external custody service keyed by a named
// credential. No key material ever enters this process. The service contract:
//
//	POST {base}/pubkey  {"keyId": "..."}                -> {"address": "0x..."}
//	POST {base}/sign    {"input": base64(digest), "keyId": "..."} -> {"signature": base64}
//
// Signing the same digest always yields the same signature, so transient
// transport failures are retried with backoff and no additional side effect.
type Remote struct {
	baseURL string
	keyID   string
	addr    common.Address
	signer  types.Signer
	client  *http.Client
}

type signRequest struct {
	Input string `json:"input"`
	KeyID string `json:"keyId"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type pubkeyRequest struct {
	KeyID string `json:"keyId"`
}

type pubkeyResponse struct {
	Address string `json:"address"`
}

// NewRemote resolves the credential's address from the custody service.
// Construction fails fast when the service is unreachable or the credential
// is unknown.
func NewRemote(ctx context.Context, baseURL, keyID string, chainID *big.Int) (*Remote, error) {
	r := &Remote{
		baseURL: baseURL,
		keyID:   keyID,
		signer:  types.LatestSignerForChainID(chainID),
		client:  &http.Client{Timeout: remoteRequestTimeout},
	}

	var resp pubkeyResponse
	err := retry.Do(ctx, remoteMaxAttempts, remoteBaseDelay, func() error {
		return r.post(ctx, "/pubkey", pubkeyRequest{KeyID: keyID}, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve custody address: %w", err)
	}
	if !common.IsHexAddress(resp.Address) {
		return nil, fmt.Errorf("%w: custody service returned address %q", ErrServiceUnavailable, resp.Address)
	}
	r.addr = common.HexToAddress(resp.Address)
	return r, nil
}

func (r *Remote) Address() common.Address {
	return r.addr
}

func (r *Remote) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	sig, err := r.signDigest(ctx, r.signer.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}

	signed, err := tx.WithSignature(r.signer, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// The service signs blind; verify the signature actually recovers to the
	// credential's address before anything hits the wire.
	sender, err := types.Sender(r.signer, signed)
	if err != nil || sender != r.addr {
		return nil, fmt.Errorf("%w: signature does not recover to %s", ErrInvalidSignature, r.addr.Hex())
	}
	return signed, nil
}

func (r *Remote) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return r.signDigest(ctx, msg)
}

// signDigest sends the base64-framed digest to the custody service. Transport
// errors and 5xx responses are retried; 4xx responses and malformed
// signatures are permanent.
func (r *Remote) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	req := signRequest{
		Input: base64.StdEncoding.EncodeToString(digest),
		KeyID: r.keyID,
	}

	var sig []byte
	err := retry.Do(ctx, remoteMaxAttempts, remoteBaseDelay, func() error {
		var resp signResponse
		if err := r.post(ctx, "/sign", req, &resp); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(resp.Signature)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%w: signature is not base64: %v", ErrInvalidSignature, err))
		}
		sig = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode custody request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrServiceUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("%w: %s returned %d", ErrServiceUnavailable, path, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%w: malformed custody response: %v", ErrServiceUnavailable, err))
	}
	return nil
}

// Compile-time interface check
var _ Signer = (*Remote)(nil)
