package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

var (
	// ErrSessionNotInitialized is returned by the Build* methods before
	// Resolve has bound a session, or when asked for different parties.
	ErrSessionNotInitialized = errors.New("session not initialized")
	// ErrMixedVenues is returned when one Submit call mixes venues.
	ErrMixedVenues = errors.New("operations target different venues")
)

type resolvedSession struct {
	address  solana.PublicKey
	payer    solana.PublicKey
	provider solana.PublicKey
	vault    solana.PublicKey
}

// Client builds, signs and submits settlement operations for one
// (payer, provider) session. It owns exactly one signer.
type Client struct {
	deriver Deriver
	durable ledger.Gateway
	rollup  ledger.Gateway
	signer  signer.Signer
	retry   ledger.RetryOptions

	mu      sync.RWMutex
	session *resolvedSession
}

// NewClient wires a Client to both venues and its signer.
func NewClient(deriver Deriver, durable, rollup ledger.Gateway, s signer.Signer) *Client {
	return &Client{
		deriver: deriver,
		durable: durable,
		rollup:  rollup,
		signer:  s,
		retry:   ledger.DefaultRetryOptions(),
	}
}

// SetRetryOptions overrides the backoff used for read queries.
func (c *Client) SetRetryOptions(opts ledger.RetryOptions) {
	c.retry = opts
}

// Signer returns the signer bound to this client.
func (c *Client) Signer() signer.Signer { return c.signer }

// Deriver returns the address deriver.
func (c *Client) Deriver() Deriver { return c.deriver }

// Gateway returns the gateway for a venue.
func (c *Client) Gateway(venue ledger.Venue) ledger.Gateway {
	if venue == ledger.VenueRollup {
		return c.rollup
	}
	return c.durable
}

// Resolve derives and remembers the session address for payer and provider.
func (c *Client) Resolve(payer, provider solana.PublicKey) (solana.PublicKey, error) {
	address, err := c.deriver.SessionAddress(payer, provider)
	if err != nil {
		return solana.PublicKey{}, err
	}
	vault, err := c.deriver.VaultAddress(address)
	if err != nil {
		return solana.PublicKey{}, err
	}

	c.mu.Lock()
	c.session = &resolvedSession{address: address, payer: payer, provider: provider, vault: vault}
	c.mu.Unlock()
	return address, nil
}

// SessionAddress returns the resolved session address, if any.
func (c *Client) SessionAddress() (solana.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return solana.PublicKey{}, false
	}
	return c.session.address, true
}

// Reset forgets the resolved session; the next interaction re-derives it.
func (c *Client) Reset() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) current(payer, provider solana.PublicKey) (resolvedSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return resolvedSession{}, ErrSessionNotInitialized
	}
	if !c.session.payer.Equals(payer) || !c.session.provider.Equals(provider) {
		return resolvedSession{}, fmt.Errorf("%w: resolved for %s/%s", ErrSessionNotInitialized, c.session.payer, c.session.provider)
	}
	return *c.session, nil
}

func (c *Client) currentAny() (resolvedSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return resolvedSession{}, ErrSessionNotInitialized
	}
	return *c.session, nil
}

// BuildInitialize creates the session and moves deposit into its vault.
func (c *Client) BuildInitialize(payer, provider solana.PublicKey, deposit, rate uint64) (Op, error) {
	s, err := c.current(payer, provider)
	if err != nil {
		return Op{}, err
	}
	payerToken, err := c.deriver.TokenAccount(payer)
	if err != nil {
		return Op{}, err
	}

	data, err := settlement.EncodeInstruction(settlement.InstructionInitialize, &settlement.InitializeArgs{Rate: rate, Amount: deposit})
	if err != nil {
		return Op{}, err
	}
	programs := c.deriver.Programs()
	ix := solana.NewInstruction(programs.Settlement, solana.AccountMetaSlice{
		solana.Meta(s.address).WRITE(),
		solana.Meta(s.vault).WRITE(),
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(provider),
		solana.Meta(payerToken).WRITE(),
		solana.Meta(programs.Mint),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data)

	return Op{Kind: settlement.InstructionInitialize, Venue: ledger.VenueDurable, Instruction: ix}, nil
}

// BuildDelegate hands the session account to the rollup venue.
func (c *Client) BuildDelegate(payer, provider solana.PublicKey) (Op, error) {
	s, err := c.current(payer, provider)
	if err != nil {
		return Op{}, err
	}
	buffer, err := c.deriver.DelegationBuffer(s.address)
	if err != nil {
		return Op{}, err
	}
	record, err := c.deriver.DelegationRecord(s.address)
	if err != nil {
		return Op{}, err
	}
	metadata, err := c.deriver.DelegationMetadata(s.address)
	if err != nil {
		return Op{}, err
	}

	data, err := settlement.EncodeInstruction(settlement.InstructionDelegate, nil)
	if err != nil {
		return Op{}, err
	}
	programs := c.deriver.Programs()
	ix := solana.NewInstruction(programs.Settlement, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(s.address).WRITE(),
		solana.Meta(provider),
		solana.Meta(programs.Settlement),
		solana.Meta(buffer).WRITE(),
		solana.Meta(record).WRITE(),
		solana.Meta(metadata).WRITE(),
		solana.Meta(programs.Delegation),
		solana.Meta(solana.SystemProgramID),
	}, data)

	return Op{Kind: settlement.InstructionDelegate, Venue: ledger.VenueDurable, Instruction: ix}, nil
}

// BuildRecordUsage expresses count units as one batched op or count
// single-unit ops, all targeting the rollup venue.
func (c *Client) BuildRecordUsage(count uint64, strategy UsageStrategy) ([]Op, error) {
	s, err := c.currentAny()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errors.New("record usage: count must be positive")
	}

	build := func(units uint64) (Op, error) {
		data, err := settlement.EncodeInstruction(settlement.InstructionRecordUsage, &settlement.RecordUsageArgs{TokenCount: units})
		if err != nil {
			return Op{}, err
		}
		ix := solana.NewInstruction(c.deriver.Programs().Settlement, solana.AccountMetaSlice{
			solana.Meta(s.address).WRITE(),
		}, data)
		return Op{Kind: settlement.InstructionRecordUsage, Venue: ledger.VenueRollup, Instruction: ix, Units: units}, nil
	}

	if strategy != UsagePerUnit {
		op, err := build(count)
		if err != nil {
			return nil, err
		}
		return []Op{op}, nil
	}

	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := build(1)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// BuildClose pays the provider from the vault and refunds the payer.
func (c *Client) BuildClose(payer, provider solana.PublicKey) (Op, error) {
	s, err := c.current(payer, provider)
	if err != nil {
		return Op{}, err
	}
	providerToken, err := c.deriver.TokenAccount(provider)
	if err != nil {
		return Op{}, err
	}
	payerToken, err := c.deriver.TokenAccount(payer)
	if err != nil {
		return Op{}, err
	}

	data, err := settlement.EncodeInstruction(settlement.InstructionClose, nil)
	if err != nil {
		return Op{}, err
	}
	ix := solana.NewInstruction(c.deriver.Programs().Settlement, solana.AccountMetaSlice{
		solana.Meta(s.address).WRITE(),
		solana.Meta(s.vault).WRITE(),
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(providerToken).WRITE(),
		solana.Meta(payerToken).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}, data)

	return Op{Kind: settlement.InstructionClose, Venue: ledger.VenueDurable, Instruction: ix}, nil
}

// SessionExists reports whether the session account is present on the
// durable ledger. Transient failures are retried, then surfaced.
func (c *Client) SessionExists(ctx context.Context, payer, provider solana.PublicKey) (bool, error) {
	address, err := c.deriver.SessionAddress(payer, provider)
	if err != nil {
		return false, err
	}
	data, err := c.readAccount(ctx, c.durable, address)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// IsDelegated reports whether a delegation record exists for session.
func (c *Client) IsDelegated(ctx context.Context, session solana.PublicKey) (bool, error) {
	record, err := c.deriver.DelegationRecord(session)
	if err != nil {
		return false, err
	}
	data, err := c.readAccount(ctx, c.durable, record)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// GetSession reads the session account from whichever venue is
// authoritative. found is false when the account does not exist.
func (c *Client) GetSession(ctx context.Context, payer, provider solana.PublicKey) (account settlement.SessionAccount, found bool, err error) {
	address, err := c.deriver.SessionAddress(payer, provider)
	if err != nil {
		return account, false, err
	}
	delegated, err := c.IsDelegated(ctx, address)
	if err != nil {
		return account, false, err
	}
	gw := c.durable
	if delegated {
		gw = c.rollup
	}
	data, err := c.readAccount(ctx, gw, address)
	if err != nil || data == nil {
		return account, false, err
	}
	account, err = settlement.DecodeSessionAccount(data)
	if err != nil {
		return account, false, err
	}
	return account, true, nil
}

func (c *Client) readAccount(ctx context.Context, gw ledger.Gateway, address solana.PublicKey) ([]byte, error) {
	var data []byte
	err := ledger.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		data, err = gw.GetAccount(ctx, address)
		return err
	})
	return data, err
}

// Submit signs ops into a single transaction and sends it to their venue.
// Sending is never retried: a rejected or lost send may already have been
// applied.
func (c *Client) Submit(ctx context.Context, ops ...Op) (solana.Signature, error) {
	if len(ops) == 0 {
		return solana.Signature{}, errors.New("submit: no operations")
	}
	venue := ops[0].Venue
	instructions := make([]solana.Instruction, 0, len(ops))
	for _, op := range ops {
		if op.Venue != venue {
			return solana.Signature{}, ErrMixedVenues
		}
		instructions = append(instructions, op.Instruction)
	}
	gw := c.Gateway(venue)

	var blockhash solana.Hash
	err := ledger.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		blockhash, err = gw.GetLatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	signed, err := c.signer.Sign(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}

	sig, err := gw.SendTransaction(ctx, raw, ledger.SendOptions{SkipPreflight: venue == ledger.VenueRollup})
	if err != nil {
		return solana.Signature{}, err
	}
	log.Printf("[settlement] submitted %d op(s) to %s: %s", len(ops), venue, sig)
	return sig, nil
}

// Confirm waits for sig to reach commitment on venue.
func (c *Client) Confirm(ctx context.Context, venue ledger.Venue, sig solana.Signature, commitment ledger.Commitment) error {
	return c.Gateway(venue).ConfirmTransaction(ctx, sig, commitment)
}
