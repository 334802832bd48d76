package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
	"cipherledger/internal/gateway"
	"cipherledger/internal/ledger"
	"cipherledger/internal/node"
)

// HTTPBackend talks to a ledger node over its REST API.
type HTTPBackend struct {
	baseURL string
	http    *http.Client
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return E(KindRuntime, "encode request", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, &buf)
	if err != nil {
		return E(KindRuntime, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return E(KindConnectivity, "cannot reach ledger node at "+b.baseURL+"; is it running?", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return E(KindConnectivity, "malformed response from ledger node", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Code == "" {
		return E(KindConnectivity, "ledger node returned "+resp.Status, nil)
	}
	kind := KindRuntime
	switch body.Error.Code {
	case "validation":
		kind = KindValidation
	case "not_authorized", "bad_signature", "expired":
		kind = KindAuthorization
	case "rate_limited":
		kind = KindConnectivity
	}
	return E(kind, body.Error.Message, nil)
}

func (b *HTTPBackend) ContractInfo(ctx context.Context) (*ContractInfo, error) {
	var wire node.ContractInfo
	if err := b.do(ctx, http.MethodGet, "/v1/contract", nil, &wire); err != nil {
		return nil, err
	}
	contract, err := account.HexToAddress(wire.Contract)
	if err != nil {
		return nil, E(KindConnectivity, "node reported malformed contract address", err)
	}
	pkBytes, err := hex.DecodeString(wire.EnginePublicKey)
	if err != nil {
		return nil, E(KindConnectivity, "node reported malformed engine key", err)
	}
	pk := new(bls12377.G1Affine)
	if _, err := pk.SetBytes(pkBytes); err != nil {
		return nil, E(KindConnectivity, "node reported malformed engine key", err)
	}
	return &ContractInfo{Contract: contract, EnginePub: pk}, nil
}

func (b *HTTPBackend) SubmitExpense(ctx context.Context, caller account.Address, handle fhe.Handle, proof []byte, category string) (*Receipt, error) {
	var wire node.TxResponse
	err := b.do(ctx, http.MethodPost, "/v1/tx", node.TxRequest{
		Caller:   caller.Hex(),
		Handle:   handle.Hex(),
		Proof:    hex.EncodeToString(proof),
		Category: category,
	}, &wire)
	if err != nil {
		return nil, err
	}
	total, err := fhe.ParseHandle(wire.TotalHandle)
	if err != nil {
		return nil, E(KindConnectivity, "node reported malformed total handle", err)
	}
	return &Receipt{
		TxID:        wire.TxID,
		Timestamp:   wire.Timestamp,
		RecordIndex: wire.RecordIndex,
		TotalHandle: total,
	}, nil
}

func (b *HTTPBackend) EncryptedTotal(ctx context.Context, user account.Address) (fhe.Handle, error) {
	var wire struct {
		Handle string `json:"handle"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/accounts/"+user.Hex()+"/total", nil, &wire); err != nil {
		return fhe.Handle{}, err
	}
	h, err := fhe.ParseHandle(wire.Handle)
	if err != nil {
		return fhe.Handle{}, E(KindConnectivity, "node reported malformed total handle", err)
	}
	return h, nil
}

func (b *HTTPBackend) RecordCount(ctx context.Context, user account.Address) (uint64, error) {
	var wire struct {
		Count uint64 `json:"count"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/accounts/"+user.Hex()+"/count", nil, &wire); err != nil {
		return 0, err
	}
	return wire.Count, nil
}

func (b *HTTPBackend) Records(ctx context.Context, user account.Address) ([]ledger.Record, error) {
	var records []ledger.Record
	if err := b.do(ctx, http.MethodGet, "/v1/accounts/"+user.Hex()+"/records", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *HTTPBackend) HasInitialized(ctx context.Context, user account.Address) (bool, error) {
	var wire struct {
		Initialized bool `json:"initialized"`
	}
	if err := b.do(ctx, http.MethodGet, "/v1/accounts/"+user.Hex()+"/initialized", nil, &wire); err != nil {
		return false, err
	}
	return wire.Initialized, nil
}

func (b *HTTPBackend) IsAuthorized(ctx context.Context, handle fhe.Handle, user account.Address) (bool, error) {
	var wire struct {
		Allowed bool `json:"allowed"`
	}
	q := url.Values{"handle": {handle.Hex()}, "account": {user.Hex()}}
	if err := b.do(ctx, http.MethodGet, "/v1/authorized?"+q.Encode(), nil, &wire); err != nil {
		return false, err
	}
	return wire.Allowed, nil
}

func (b *HTTPBackend) UserDecrypt(ctx context.Context, req *gateway.DecryptRequest) (*gateway.DecryptResult, error) {
	pairs := make([]node.WirePair, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = node.WirePair{Handle: p.Handle.Hex(), Contract: p.Contract.Hex()}
	}
	contracts := make([]string, len(req.Auth.Contracts))
	for i, c := range req.Auth.Contracts {
		contracts[i] = c.Hex()
	}
	var wire node.DecryptWireResponse
	err := b.do(ctx, http.MethodPost, "/v1/decrypt", node.DecryptWireRequest{
		User:           req.User.Hex(),
		UserPublicKey:  hex.EncodeToString(req.UserPublicKey),
		Pairs:          pairs,
		SessionKey:     hex.EncodeToString(req.Auth.PublicKey),
		Contracts:      contracts,
		StartTimestamp: req.Auth.StartTimestamp,
		DurationDays:   req.Auth.DurationDays,
		Signature:      hex.EncodeToString(req.Signature),
	}, &wire)
	if err != nil {
		return nil, err
	}

	ephBytes, err := hex.DecodeString(wire.EphemeralPub)
	if err != nil {
		return nil, E(KindConnectivity, "node reported malformed ephemeral key", err)
	}
	eph := new(bls12377.G1Affine)
	if _, err := eph.SetBytes(ephBytes); err != nil {
		return nil, E(KindConnectivity, "node reported malformed ephemeral key", err)
	}
	values := make([]*big.Int, len(wire.Values))
	for i, v := range wire.Values {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, E(KindConnectivity, "node reported malformed value", errors.Errorf("value %q", v))
		}
		values[i] = n
	}
	return &gateway.DecryptResult{EphemeralPub: eph, Values: values}, nil
}
