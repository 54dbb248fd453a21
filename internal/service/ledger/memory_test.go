package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
)

type fixture struct {
	network  *Network
	programs Programs
	payer    solana.PrivateKey
	provider solana.PublicKey
	session  solana.PublicKey
	vault    solana.PublicKey
	payerATA solana.PublicKey
	provATA  solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	provider, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	programs := Programs{
		Settlement: solana.MustPublicKeyFromBase58("8Wnd5SSnzjDrFY1Up1Lqwz4QZJvpQcMT3dimQAjZ561Z"),
		Delegation: solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"),
		Mint:       solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
	}
	f := &fixture{
		network:  NewNetwork(programs),
		programs: programs,
		payer:    payer,
		provider: provider.PublicKey(),
	}
	f.session, _, err = solana.FindProgramAddress([][]byte{
		[]byte(settlement.SessionSeed), payer.PublicKey().Bytes(), f.provider.Bytes(),
	}, programs.Settlement)
	require.NoError(t, err)
	f.vault, _, err = solana.FindProgramAddress([][]byte{[]byte(settlement.VaultSeed), f.session.Bytes()}, programs.Settlement)
	require.NoError(t, err)
	f.payerATA, _, err = solana.FindAssociatedTokenAddress(payer.PublicKey(), programs.Mint)
	require.NoError(t, err)
	f.provATA, _, err = solana.FindAssociatedTokenAddress(f.provider, programs.Mint)
	require.NoError(t, err)
	require.NoError(t, f.network.Fund(payer.PublicKey(), 5_000_000, 1_000_000_000))
	return f
}

func (f *fixture) instruction(t *testing.T, ix settlement.Instruction, args any, metas ...*solana.AccountMeta) solana.Instruction {
	t.Helper()
	data, err := settlement.EncodeInstruction(ix, args)
	require.NoError(t, err)
	return solana.NewInstruction(f.programs.Settlement, metas, data)
}

func (f *fixture) initIx(t *testing.T, rate, amount uint64) solana.Instruction {
	return f.instruction(t, settlement.InstructionInitialize, &settlement.InitializeArgs{Rate: rate, Amount: amount},
		solana.Meta(f.session).WRITE(),
		solana.Meta(f.vault).WRITE(),
		solana.Meta(f.payer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(f.provider),
		solana.Meta(f.payerATA).WRITE(),
		solana.Meta(f.programs.Mint),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	)
}

func (f *fixture) delegateIx(t *testing.T) solana.Instruction {
	return f.instruction(t, settlement.InstructionDelegate, nil,
		solana.Meta(f.payer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(f.session).WRITE(),
		solana.Meta(f.provider),
		solana.Meta(f.programs.Settlement),
		solana.Meta(solana.NewWallet().PublicKey()).WRITE(),
		solana.Meta(solana.NewWallet().PublicKey()).WRITE(),
		solana.Meta(solana.NewWallet().PublicKey()).WRITE(),
		solana.Meta(f.programs.Delegation),
		solana.Meta(solana.SystemProgramID),
	)
}

func (f *fixture) recordIx(t *testing.T, count uint64) solana.Instruction {
	return f.instruction(t, settlement.InstructionRecordUsage, &settlement.RecordUsageArgs{TokenCount: count},
		solana.Meta(f.session).WRITE(),
	)
}

func (f *fixture) closeIx(t *testing.T) solana.Instruction {
	return f.instruction(t, settlement.InstructionClose, nil,
		solana.Meta(f.session).WRITE(),
		solana.Meta(f.vault).WRITE(),
		solana.Meta(f.payer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(f.provATA).WRITE(),
		solana.Meta(f.payerATA).WRITE(),
		solana.Meta(solana.TokenProgramID),
	)
}

func (f *fixture) send(t *testing.T, gw Gateway, ixs ...solana.Instruction) (solana.Signature, error) {
	t.Helper()
	ctx := context.Background()
	hash, err := gw.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(f.payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(f.payer.PublicKey()) {
			return &f.payer
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return gw.SendTransaction(ctx, raw, SendOptions{})
}

func TestNetworkLifecycle(t *testing.T) {
	f := newFixture(t)
	durable, rollup := f.network.Durable(), f.network.Rollup()

	_, err := f.send(t, durable, f.initIx(t, 100, 1_000_000), f.delegateIx(t))
	require.NoError(t, err)

	account, ok := f.network.Session(f.session)
	require.True(t, ok)
	assert.Equal(t, uint64(100), account.RatePerToken)
	assert.Equal(t, uint64(1_000_000), account.TotalDeposited)
	assert.Equal(t, uint64(4_000_000), f.network.TokenBalance(f.payerATA))

	// usage on the durable ledger is refused while delegated
	_, err = f.send(t, durable, f.recordIx(t, 5))
	assert.ErrorIs(t, err, ErrLedgerRejected)

	_, err = f.send(t, rollup, f.recordIx(t, 10))
	require.NoError(t, err)
	_, err = f.send(t, rollup, f.recordIx(t, 27))
	require.NoError(t, err)

	account, _ = f.network.Session(f.session)
	assert.Equal(t, uint64(3700), account.AccumulatedAmount)

	data, err := rollup.GetAccount(context.Background(), f.session)
	require.NoError(t, err)
	decoded, err := settlement.DecodeSessionAccount(data)
	require.NoError(t, err)
	assert.Equal(t, account, decoded)

	_, err = f.send(t, durable, f.closeIx(t))
	require.NoError(t, err)

	_, ok = f.network.Session(f.session)
	assert.False(t, ok)
	assert.Equal(t, uint64(3700), f.network.TokenBalance(f.provATA))
	assert.Equal(t, uint64(5_000_000-3700), f.network.TokenBalance(f.payerATA))

	data, err = durable.GetAccount(context.Background(), f.session)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestNetworkRejectsOverspend(t *testing.T) {
	f := newFixture(t)
	durable := f.network.Durable()

	_, err := f.send(t, durable, f.initIx(t, 100, 1000))
	require.NoError(t, err)

	_, err = f.send(t, durable, f.recordIx(t, 11))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Contains(t, rejected.Reason, "InsufficientFunds")

	account, _ := f.network.Session(f.session)
	assert.Zero(t, account.AccumulatedAmount)
}

func TestNetworkRollsBackFailedTransaction(t *testing.T) {
	f := newFixture(t)
	durable := f.network.Durable()

	// init succeeds but the record in the same transaction overspends
	_, err := f.send(t, durable, f.initIx(t, 100, 1000), f.recordIx(t, 50))
	assert.ErrorIs(t, err, ErrLedgerRejected)

	_, ok := f.network.Session(f.session)
	assert.False(t, ok)
	assert.Equal(t, uint64(5_000_000), f.network.TokenBalance(f.payerATA))
	assert.Empty(t, f.network.Applied())
	assert.Equal(t, 1, f.network.Submitted())
}

func TestNetworkRejectsReinitialize(t *testing.T) {
	f := newFixture(t)
	durable := f.network.Durable()

	_, err := f.send(t, durable, f.initIx(t, 100, 1000))
	require.NoError(t, err)
	_, err = f.send(t, durable, f.initIx(t, 100, 1000))
	assert.ErrorIs(t, err, ErrLedgerRejected)
}

func TestNetworkRejectsUnknownBlockhash(t *testing.T) {
	f := newFixture(t)
	tx, err := solana.NewTransaction([]solana.Instruction{f.initIx(t, 1, 1)}, solana.Hash{1, 2, 3}, solana.TransactionPayer(f.payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &f.payer })
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	_, err = f.network.Durable().SendTransaction(context.Background(), raw, SendOptions{})
	assert.ErrorIs(t, err, ErrLedgerRejected)
}

func TestNetworkOffline(t *testing.T) {
	f := newFixture(t)
	f.network.SetOffline(true)

	_, err := f.network.Durable().GetTokenBalance(context.Background(), f.payerATA)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	f.network.SetOffline(false)
	balance, err := f.network.Durable().GetTokenBalance(context.Background(), f.payerATA)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), balance)
}

func TestRetry(t *testing.T) {
	opts := RetryOptions{MaxRetries: 3, Delay: time.Millisecond}

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), opts, func(context.Context) error {
			calls++
			if calls < 3 {
				return unavailable("get_account", errors.New("boom"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on rejection", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), opts, func(context.Context) error {
			calls++
			return Rejected("nope")
		})
		assert.ErrorIs(t, err, ErrLedgerRejected)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), opts, func(context.Context) error {
			calls++
			return unavailable("get_account", errors.New("down"))
		})
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
		assert.Equal(t, 3, calls)
	})
}

func TestRetryWaitsOnClock(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	opts := RetryOptions{MaxRetries: 3, Delay: time.Second, Clock: fake}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), opts, func(context.Context) error {
			calls.Add(1)
			return unavailable("get_account", errors.New("down"))
		})
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	fake.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// the second wait is twice the first
	fake.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 2 && fake.Pending() == 1 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)
	assert.Equal(t, int32(2), calls.Load())

	fake.Advance(time.Second)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	case <-time.After(time.Second):
		t.Fatal("retry did not finish")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryCancelStopsWait(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, RetryOptions{MaxRetries: 3, Delay: time.Minute, Clock: fake}, func(context.Context) error {
			return unavailable("get_account", errors.New("down"))
		})
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry ignored cancellation")
	}
	assert.Equal(t, 0, fake.Pending())
}
