package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

var settlementProgram = solana.MustPublicKeyFromBase58("8Wnd5SSnzjDrFY1Up1Lqwz4QZJvpQcMT3dimQAjZ561Z")

func newTx(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	ix := solana.NewInstruction(settlementProgram, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
	}, []byte{1, 2, 3})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{9}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	return tx
}

func custodianServer(t *testing.T, c *Custodian, authSecret string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authSecret != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if _, err := VerifyToken(authSecret, token); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(SignResponse{Error: err.Error()})
				return
			}
		}
		var req SignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		signed, err := c.SignBase64(req.Transaction)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(SignResponse{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(SignResponse{Transaction: signed})
	}))
}

func TestParsePrivateKey(t *testing.T) {
	key := newKey(t)

	fromBase58, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromBase58.PublicKey())

	values := make([]string, len(key))
	for i, b := range key {
		values[i] = fmt.Sprint(int(b))
	}
	fromArray, err := ParsePrivateKey("[" + strings.Join(values, ",") + "]")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromArray.PublicKey())

	_, err = ParsePrivateKey("   ")
	assert.ErrorIs(t, err, ErrSignerNotConfigured)

	_, err = ParsePrivateKey("[1,2,3]")
	assert.Error(t, err)
}

func TestNewCustodianFailsClosed(t *testing.T) {
	_, err := NewCustodian("")
	assert.ErrorIs(t, err, ErrSignerNotConfigured)
}

func TestCustodianRefusesForeignProgram(t *testing.T) {
	key := newKey(t)
	attacker := newKey(t).PublicKey()
	custodian, err := NewCustodian(key.String(), settlementProgram)
	require.NoError(t, err)

	encode := func(tx *solana.Transaction) string {
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(raw)
	}
	transfer := system.NewTransferInstruction(1_000_000_000, key.PublicKey(), attacker).Build()

	t.Run("transfer", func(t *testing.T) {
		tx, err := solana.NewTransaction([]solana.Instruction{transfer}, solana.Hash{9}, solana.TransactionPayer(key.PublicKey()))
		require.NoError(t, err)
		_, err = custodian.SignBase64(encode(tx))
		assert.ErrorIs(t, err, ErrForeignProgram)
	})

	t.Run("transfer appended to a settlement call", func(t *testing.T) {
		ix := solana.NewInstruction(settlementProgram, solana.AccountMetaSlice{
			solana.Meta(key.PublicKey()).WRITE().SIGNER(),
		}, []byte{1})
		tx, err := solana.NewTransaction([]solana.Instruction{ix, transfer}, solana.Hash{9}, solana.TransactionPayer(key.PublicKey()))
		require.NoError(t, err)
		_, err = custodian.SignBase64(encode(tx))
		assert.ErrorIs(t, err, ErrForeignProgram)
	})

	t.Run("no allowlist", func(t *testing.T) {
		bare, err := NewCustodian(key.String())
		require.NoError(t, err)
		_, err = bare.SignBase64(encode(newTx(t, key.PublicKey())))
		assert.ErrorIs(t, err, ErrForeignProgram)
	})

	t.Run("settlement call", func(t *testing.T) {
		signed, err := custodian.SignBase64(encode(newTx(t, key.PublicKey())))
		require.NoError(t, err)
		assert.NotEmpty(t, signed)
	})
}

func TestRemoteSign(t *testing.T) {
	key := newKey(t)
	custodian, err := NewCustodian(key.String(), settlementProgram)
	require.NoError(t, err)

	for _, secret := range []string{"", "shared-secret"} {
		t.Run(fmt.Sprintf("auth=%t", secret != ""), func(t *testing.T) {
			server := custodianServer(t, custodian, secret)
			defer server.Close()

			remote := NewRemote(server.URL, key.PublicKey(), WithAuthSecret(secret))
			signed, err := remote.Sign(context.Background(), newTx(t, key.PublicKey()))
			require.NoError(t, err)
			require.NoError(t, signed.VerifySignatures())
		})
	}
}

func TestRemoteSignWrongKey(t *testing.T) {
	custodian, err := NewCustodian(newKey(t).String(), settlementProgram)
	require.NoError(t, err)
	server := custodianServer(t, custodian, "")
	defer server.Close()

	payer := newKey(t).PublicKey()
	_, err = NewRemote(server.URL, payer).Sign(context.Background(), newTx(t, payer))
	assert.ErrorIs(t, err, ErrRemoteSignerUnavailable)
}

func TestRemoteSignUnavailable(t *testing.T) {
	payer := newKey(t).PublicKey()

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(SignResponse{Error: "server signer key missing"})
		}))
		defer server.Close()

		_, err := NewRemote(server.URL, payer).Sign(context.Background(), newTx(t, payer))
		assert.ErrorIs(t, err, ErrRemoteSignerUnavailable)
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := NewRemote(server.URL, payer).Sign(context.Background(), newTx(t, payer))
		assert.ErrorIs(t, err, ErrRemoteSignerUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewRemote(url, payer).Sign(context.Background(), newTx(t, payer))
		assert.ErrorIs(t, err, ErrRemoteSignerUnavailable)
	})
}

func TestInteractiveSign(t *testing.T) {
	key := newKey(t)

	t.Run("approved", func(t *testing.T) {
		var seen ApprovalRequest
		s := NewInteractive(key, func(_ context.Context, req ApprovalRequest) (bool, error) {
			seen = req
			return true, nil
		})
		signed, err := s.Sign(context.Background(), newTx(t, key.PublicKey()))
		require.NoError(t, err)
		require.NoError(t, signed.VerifySignatures())
		assert.Equal(t, 1, seen.Instructions)
		assert.Len(t, seen.Programs, 1)
	})

	t.Run("denied", func(t *testing.T) {
		s := NewInteractive(key, func(context.Context, ApprovalRequest) (bool, error) { return false, nil })
		_, err := s.Sign(context.Background(), newTx(t, key.PublicKey()))
		assert.ErrorIs(t, err, ErrApprovalDenied)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		s := NewInteractive(key, func(ctx context.Context, _ ApprovalRequest) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := s.Sign(ctx, newTx(t, key.PublicKey()))
		assert.ErrorIs(t, err, ErrApprovalDenied)
	})

	t.Run("sign all", func(t *testing.T) {
		s := NewInteractive(key, nil)
		txs, err := s.SignAll(context.Background(), []*solana.Transaction{
			newTx(t, key.PublicKey()), newTx(t, key.PublicKey()),
		})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("a", "payer", time.Minute)
	require.NoError(t, err)

	claims, err := VerifyToken("a", token)
	require.NoError(t, err)
	assert.Equal(t, "payer", claims.Signer)

	_, err = VerifyToken("b", token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
