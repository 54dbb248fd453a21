package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
)

// Venue names one of the two ledgers a Network exposes.
type Venue string

const (
	VenueDurable Venue = "l1"
	VenueRollup  Venue = "rollup"
)

// Programs identifies the on-ledger programs and the stable-token mint.
type Programs struct {
	Settlement solana.PublicKey
	Delegation solana.PublicKey
	Mint       solana.PublicKey
}

// AppliedOp records one instruction a Network executed.
type AppliedOp struct {
	Venue       Venue
	Instruction settlement.Instruction
	Signature   solana.Signature
	Units       uint64
}

type memorySession struct {
	account          settlement.SessionAccount
	address          solana.PublicKey
	vault            solana.PublicKey
	delegated        bool
	delegationRecord solana.PublicKey
}

// Network simulates the settlement program on a durable ledger paired
// with a rollup venue. Both venues share one program state: delegation
// freezes the durable copy and routes usage through the rollup until
// close settles it back.
type Network struct {
	mu          sync.Mutex
	programs    Programs
	sessions    map[solana.PublicKey]*memorySession
	records     map[solana.PublicKey]solana.PublicKey
	tokens      map[solana.PublicKey]uint64
	lamports    map[solana.PublicKey]uint64
	blockhashes map[solana.Hash]struct{}
	signatures  map[solana.Signature]struct{}
	applied     []AppliedOp
	submitted   int
	slot        uint64
	offline     bool
}

// NewNetwork creates an empty simulated network.
func NewNetwork(programs Programs) *Network {
	return &Network{
		programs:    programs,
		sessions:    make(map[solana.PublicKey]*memorySession),
		records:     make(map[solana.PublicKey]solana.PublicKey),
		tokens:      make(map[solana.PublicKey]uint64),
		lamports:    make(map[solana.PublicKey]uint64),
		blockhashes: make(map[solana.Hash]struct{}),
		signatures:  make(map[solana.Signature]struct{}),
	}
}

// Durable returns the gateway for the durable ledger.
func (n *Network) Durable() Gateway { return &memoryGateway{network: n, venue: VenueDurable} }

// Rollup returns the gateway for the low-latency venue.
func (n *Network) Rollup() Gateway { return &memoryGateway{network: n, venue: VenueRollup} }

// Fund credits owner's associated token account and native balance.
func (n *Network) Fund(owner solana.PublicKey, tokens, lamports uint64) error {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, n.programs.Mint)
	if err != nil {
		return fmt.Errorf("derive token account: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[ata] += tokens
	n.lamports[owner] += lamports
	return nil
}

// SetTokenBalance overwrites a token account balance.
func (n *Network) SetTokenBalance(tokenAccount solana.PublicKey, amount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[tokenAccount] = amount
}

// SetOffline makes every call fail with ErrGatewayUnavailable.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// Applied lists the instructions executed so far.
func (n *Network) Applied() []AppliedOp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AppliedOp(nil), n.applied...)
}

// Submitted counts SendTransaction calls that reached the network,
// including rejected ones.
func (n *Network) Submitted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitted
}

// Session returns the current program state for a session address.
func (n *Network) Session(address solana.PublicKey) (settlement.SessionAccount, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[address]
	if !ok {
		return settlement.SessionAccount{}, false
	}
	return s.account, true
}

// TokenBalance reads a token account balance without going through a venue.
func (n *Network) TokenBalance(tokenAccount solana.PublicKey) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[tokenAccount]
}

type memoryGateway struct {
	network *Network
	venue   Venue
}

func (g *memoryGateway) GetBalance(_ context.Context, address solana.PublicKey) (uint64, error) {
	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return 0, unavailable(string(g.venue)+" get balance", errors.New("network offline"))
	}
	return n.lamports[address], nil
}

func (g *memoryGateway) GetTokenBalance(_ context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return 0, unavailable(string(g.venue)+" get token balance", errors.New("network offline"))
	}
	return n.tokens[tokenAccount], nil
}

func (g *memoryGateway) GetAccount(_ context.Context, address solana.PublicKey) ([]byte, error) {
	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return nil, unavailable(string(g.venue)+" get account", errors.New("network offline"))
	}
	if s, ok := n.sessions[address]; ok {
		return s.account.Encode()
	}
	if session, ok := n.records[address]; ok && g.venue == VenueDurable {
		return append([]byte(nil), session[:]...), nil
	}
	return nil, nil
}

func (g *memoryGateway) GetLatestBlockhash(_ context.Context) (solana.Hash, error) {
	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return solana.Hash{}, unavailable(string(g.venue)+" get latest blockhash", errors.New("network offline"))
	}
	n.slot++
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], n.slot)
	hash := solana.Hash(sha256.Sum256(append([]byte(g.venue), seed[:]...)))
	n.blockhashes[hash] = struct{}{}
	return hash, nil
}

func (g *memoryGateway) SendTransaction(_ context.Context, signed []byte, _ SendOptions) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signed))
	if err != nil {
		return solana.Signature{}, Rejected("malformed transaction: %v", err)
	}

	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return solana.Signature{}, unavailable(string(g.venue)+" send transaction", errors.New("network offline"))
	}
	n.submitted++

	if len(tx.Signatures) == 0 {
		return solana.Signature{}, Rejected("transaction has no signatures")
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, Rejected("signature verification failed: %v", err)
	}
	if _, ok := n.blockhashes[tx.Message.RecentBlockhash]; !ok {
		return solana.Signature{}, Rejected("blockhash not found")
	}
	sig := tx.Signatures[0]
	if _, dup := n.signatures[sig]; dup {
		return solana.Signature{}, Rejected("transaction already processed")
	}

	staged := n.stage()
	for idx, compiled := range tx.Message.Instructions {
		if err := staged.apply(g.venue, tx, compiled, sig); err != nil {
			return solana.Signature{}, Rejected("instruction %d: %v", idx, err)
		}
	}
	n.commit(staged)
	n.signatures[sig] = struct{}{}
	return sig, nil
}

func (g *memoryGateway) ConfirmTransaction(_ context.Context, signature solana.Signature, _ Commitment) error {
	n := g.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return unavailable(string(g.venue)+" confirm transaction", errors.New("network offline"))
	}
	if _, ok := n.signatures[signature]; !ok {
		return Rejected("unknown signature %s", signature)
	}
	return nil
}

// stagedState is a copy-on-write view so a failing instruction rolls back
// the whole transaction.
type stagedState struct {
	programs Programs
	sessions map[solana.PublicKey]*memorySession
	records  map[solana.PublicKey]solana.PublicKey
	tokens   map[solana.PublicKey]uint64
	applied  []AppliedOp
}

func (n *Network) stage() *stagedState {
	s := &stagedState{
		programs: n.programs,
		sessions: make(map[solana.PublicKey]*memorySession, len(n.sessions)),
		records:  make(map[solana.PublicKey]solana.PublicKey, len(n.records)),
		tokens:   make(map[solana.PublicKey]uint64, len(n.tokens)),
	}
	for k, v := range n.sessions {
		copied := *v
		s.sessions[k] = &copied
	}
	for k, v := range n.records {
		s.records[k] = v
	}
	for k, v := range n.tokens {
		s.tokens[k] = v
	}
	return s
}

func (n *Network) commit(s *stagedState) {
	n.sessions = s.sessions
	n.records = s.records
	n.tokens = s.tokens
	n.applied = append(n.applied, s.applied...)
}

func (s *stagedState) apply(venue Venue, tx *solana.Transaction, compiled solana.CompiledInstruction, sig solana.Signature) error {
	keys := tx.Message.AccountKeys
	if int(compiled.ProgramIDIndex) >= len(keys) {
		return errors.New("program index out of range")
	}
	if !keys[compiled.ProgramIDIndex].Equals(s.programs.Settlement) {
		return fmt.Errorf("unsupported program %s", keys[compiled.ProgramIDIndex])
	}

	accounts := make([]solana.PublicKey, 0, len(compiled.Accounts))
	for _, idx := range compiled.Accounts {
		if int(idx) >= len(keys) {
			return errors.New("account index out of range")
		}
		accounts = append(accounts, keys[idx])
	}

	ix, ok := settlement.ParseInstruction(compiled.Data)
	if !ok {
		return errors.New("unknown instruction discriminator")
	}

	var (
		units uint64
		err   error
	)
	switch ix {
	case settlement.InstructionInitialize:
		err = s.initialize(venue, tx, accounts, compiled.Data)
	case settlement.InstructionDelegate:
		err = s.delegate(venue, tx, accounts)
	case settlement.InstructionRecordUsage:
		units, err = s.recordUsage(venue, accounts, compiled.Data)
	case settlement.InstructionClose:
		err = s.close(venue, tx, accounts)
	}
	if err != nil {
		return err
	}

	s.applied = append(s.applied, AppliedOp{Venue: venue, Instruction: ix, Signature: sig, Units: units})
	return nil
}

func (s *stagedState) initialize(venue Venue, tx *solana.Transaction, accounts []solana.PublicKey, data []byte) error {
	if venue != VenueDurable {
		return errors.New("initialize_session must run on the durable ledger")
	}
	if len(accounts) < 8 {
		return errors.New("missing accounts")
	}
	sessionKey, vault, payer, provider, payerToken := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4]
	if !tx.Message.IsSigner(payer) {
		return errors.New("payer must sign")
	}

	expected, bump, err := solana.FindProgramAddress([][]byte{
		[]byte(settlement.SessionSeed), payer[:], provider[:],
	}, s.programs.Settlement)
	if err != nil || !expected.Equals(sessionKey) {
		return errors.New("seeds constraint violated")
	}
	if _, exists := s.sessions[sessionKey]; exists {
		return fmt.Errorf("account %s already in use", sessionKey)
	}

	var args settlement.InitializeArgs
	if err := settlement.DecodeArgs(data, &args); err != nil {
		return err
	}
	if s.tokens[payerToken] < args.Amount {
		return errors.New("insufficient funds")
	}

	s.tokens[payerToken] -= args.Amount
	s.tokens[vault] += args.Amount
	s.sessions[sessionKey] = &memorySession{
		address: sessionKey,
		vault:   vault,
		account: settlement.SessionAccount{
			Payer:          payer,
			Provider:       provider,
			RatePerToken:   args.Rate,
			TotalDeposited: args.Amount,
			Bump:           bump,
			IsActive:       true,
		},
	}
	return nil
}

func (s *stagedState) delegate(venue Venue, tx *solana.Transaction, accounts []solana.PublicKey) error {
	if venue != VenueDurable {
		return errors.New("delegate must run on the durable ledger")
	}
	if len(accounts) < 9 {
		return errors.New("missing accounts")
	}
	payer, sessionKey, record := accounts[0], accounts[1], accounts[5]
	if !tx.Message.IsSigner(payer) {
		return errors.New("payer must sign")
	}
	session, ok := s.sessions[sessionKey]
	if !ok {
		return fmt.Errorf("account %s not initialized", sessionKey)
	}
	if session.delegated {
		return errors.New("account already delegated")
	}
	session.delegated = true
	session.delegationRecord = record
	s.records[record] = sessionKey
	return nil
}

func (s *stagedState) recordUsage(venue Venue, accounts []solana.PublicKey, data []byte) (uint64, error) {
	if len(accounts) < 1 {
		return 0, errors.New("missing accounts")
	}
	session, ok := s.sessions[accounts[0]]
	if !ok {
		return 0, fmt.Errorf("account %s not found", accounts[0])
	}
	if session.delegated && venue == VenueDurable {
		return 0, errors.New("account is delegated to the rollup venue")
	}
	if !session.delegated && venue == VenueRollup {
		return 0, errors.New("account is not delegated")
	}
	if !session.account.IsActive {
		return 0, fmt.Errorf("custom program error: %d SessionInactive", settlement.ErrorCodeSessionInactive)
	}

	var args settlement.RecordUsageArgs
	if err := settlement.DecodeArgs(data, &args); err != nil {
		return 0, err
	}
	cost := args.TokenCount * session.account.RatePerToken
	if session.account.RatePerToken != 0 && cost/session.account.RatePerToken != args.TokenCount {
		return 0, errors.New("arithmetic overflow")
	}
	if session.account.AccumulatedAmount+cost > session.account.TotalDeposited {
		return 0, fmt.Errorf("custom program error: %d InsufficientFunds", settlement.ErrorCodeInsufficientFunds)
	}
	session.account.AccumulatedAmount += cost
	return args.TokenCount, nil
}

func (s *stagedState) close(venue Venue, tx *solana.Transaction, accounts []solana.PublicKey) error {
	if venue != VenueDurable {
		return errors.New("close_session must run on the durable ledger")
	}
	if len(accounts) < 6 {
		return errors.New("missing accounts")
	}
	sessionKey, vault, payer, providerToken, payerToken := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4]
	session, ok := s.sessions[sessionKey]
	if !ok {
		return fmt.Errorf("account %s not found", sessionKey)
	}
	if !tx.Message.IsSigner(payer) || !payer.Equals(session.account.Payer) {
		return errors.New("only the session payer may close")
	}
	if !vault.Equals(session.vault) {
		return errors.New("vault mismatch")
	}

	payout := session.account.AccumulatedAmount
	if payout > s.tokens[vault] {
		payout = s.tokens[vault]
	}
	s.tokens[vault] -= payout
	s.tokens[providerToken] += payout

	refund := s.tokens[vault]
	s.tokens[vault] = 0
	s.tokens[payerToken] += refund

	delete(s.tokens, vault)
	if session.delegated {
		delete(s.records, session.delegationRecord)
	}
	delete(s.sessions, sessionKey)
	return nil
}
