package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SignRequest and SignResponse are the wire shapes of the signing endpoint.
type SignRequest struct {
	Transaction string `json:"transaction"`
}

type SignResponse struct {
	Transaction string `json:"transaction,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Remote forwards transactions to a custodial signing endpoint. It never
// sees key material; it only knows which address the endpoint signs for.
type Remote struct {
	endpoint   string
	publicKey  solana.PublicKey
	httpClient *http.Client
	authSecret string
}

// RemoteOption configures a Remote signer.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = c }
}

// WithAuthSecret attaches a short-lived bearer token to each request.
func WithAuthSecret(secret string) RemoteOption {
	return func(r *Remote) { r.authSecret = secret }
}

func NewRemote(endpoint string, publicKey solana.PublicKey, opts ...RemoteOption) *Remote {
	r := &Remote{
		endpoint:   endpoint,
		publicKey:  publicKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) PublicKey() solana.PublicKey { return r.publicKey }

func (r *Remote) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	ensureSignatureSlots(tx)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	body, err := json.Marshal(SignRequest{Transaction: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSignerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authSecret != "" {
		token, err := IssueToken(r.authSecret, r.publicKey.String(), time.Minute)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSignerUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteSignerUnavailable, err)
	}
	var decoded SignResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: malformed response (status %d)", ErrRemoteSignerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemoteSignerUnavailable, resp.StatusCode, decoded.Error)
	}

	signedRaw, err := base64.StdEncoding.DecodeString(decoded.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction encoding", ErrRemoteSignerUnavailable)
	}
	signed, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signedRaw))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction: %v", ErrRemoteSignerUnavailable, err)
	}

	// The endpoint may only add signatures, never change what is signed.
	signedMessage, err := signed.Message.MarshalBinary()
	if err != nil || !bytes.Equal(signedMessage, message) {
		return nil, fmt.Errorf("%w: returned transaction differs from request", ErrRemoteSignerUnavailable)
	}
	if _, ok := signatureFor(signed, r.publicKey); !ok {
		return nil, fmt.Errorf("%w: no signature for %s", ErrRemoteSignerUnavailable, r.publicKey)
	}
	return signed, nil
}

func (r *Remote) SignAll(ctx context.Context, txs []*solana.Transaction) ([]*solana.Transaction, error) {
	return signEach(ctx, r, txs)
}
