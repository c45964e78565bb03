package transfer

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billbridge/internal/amount"
	"billbridge/internal/attestation"
	"billbridge/internal/chain"
)

var (
	usdc        = common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	messenger   = common.HexToAddress("0x8fe6b999dc680ccfdd5bf7eb0974218be2542daa")
	transmitter = common.HexToAddress("0xe737e5cebeeba77efe34d4aa090756590b1ce275")
	payee       = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type stubAttestations struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (attestation.Attestation, error)
}

func (s *stubAttestations) Poll(ctx context.Context, _ common.Hash, _, _ time.Duration) (attestation.Attestation, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(ctx, call)
}

func (s *stubAttestations) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func completeAttestation() attestation.Attestation {
	return attestation.Attestation{Message: []byte{0x01, 0x02}, Proof: []byte{0x03}, Status: attestation.StatusComplete}
}

func alwaysComplete() *stubAttestations {
	return &stubAttestations{fn: func(context.Context, int) (attestation.Attestation, error) {
		return completeAttestation(), nil
	}}
}

type fixture struct {
	src  *chain.FakeClient
	dst  *chain.FakeClient
	orch *Orchestrator
}

func newFixture(t *testing.T, att AttestationSource) *fixture {
	t.Helper()
	src := chain.NewFakeClient("sepolia")
	dst := chain.NewFakeClient("fuji")
	orch, err := New(Config{
		SourceDomain:       0,
		DestinationDomain:  1,
		BurnToken:          usdc,
		TokenMessenger:     messenger,
		MessageTransmitter: transmitter,
		PollInterval:       5 * time.Second,
		MaxWait:            30 * time.Second,
	}, src, dst, att, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{src: src, dst: dst, orch: orch}
}

func request(t *testing.T, display string) Request {
	t.Helper()
	amt, err := amount.ParseDecimal(display)
	require.NoError(t, err)
	return Request{CredentialRef: "payer", DestinationAddress: payee, Amount: amt}
}

// revertTo fails confirmation of any transaction sent to addr.
func revertTo(client *chain.FakeClient, addr common.Address) func(context.Context, common.Hash) error {
	return func(_ context.Context, txID common.Hash) error {
		for _, tx := range client.Sent() {
			if tx.Hash == txID && tx.To == addr {
				return fmt.Errorf("%w: %s", chain.ErrReverted, txID.Hex())
			}
		}
		return nil
	}
}

func labels(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Label)
	}
	return out
}

func subunits(n uint64) *amount.Subunits {
	v := amount.NewSubunits(n)
	return &v
}

func selector(sig string) []byte { return crypto.Keccak256([]byte(sig))[:4] }

func TestExecuteBillScenario(t *testing.T) {
	var polls atomic.Int32
	iris := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if polls.Add(1) < 3 {
			fmt.Fprint(w, `{"messages":[{"message":"0x","attestation":"PENDING","status":"pending_confirmations"}]}`)
			return
		}
		fmt.Fprint(w, `{"messages":[{"message":"0xaabb","attestation":"0xccdd","status":"complete","eventNonce":"7"}]}`)
	}))
	defer iris.Close()

	poller := attestation.NewPoller(attestation.Config{BaseURL: iris.URL, PollInterval: 5 * time.Second}, iris.Client(), nil, zerolog.Nop())
	poller.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	f := newFixture(t, poller)
	req := request(t, "25.50")
	require.Equal(t, "25500000", req.Amount.String())

	res := f.orch.Execute(context.Background(), req)

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.ErrorKind)
	assert.Equal(t, StateCompleted, res.State)
	require.NotNil(t, res.MintTxID)
	require.NotNil(t, res.BurnTxID)
	require.NotNil(t, res.Attestation)
	assert.Equal(t, []byte{0xaa, 0xbb}, []byte(res.Attestation.Message))
	assert.EqualValues(t, 3, polls.Load())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t,
		[]string{"created", "approving", "burning", "awaiting_attestation", "minting", "completed"},
		labels(res.Audit))

	sent := f.src.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, usdc, sent[0].To)
	assert.Equal(t, selector("approve(address,uint256)"), sent[0].Payload[:4])
	assert.Equal(t, messenger, sent[1].To)
	assert.Equal(t, selector("depositForBurn(uint256,uint32,bytes32,address,bytes32,uint256,uint32)"), sent[1].Payload[:4])
	assert.Equal(t, big.NewInt(25_500_000), new(big.Int).SetBytes(sent[1].Payload[4:36]))
	assert.Equal(t, *res.BurnTxID, sent[1].Hash)

	minted := f.dst.Sent()
	require.Len(t, minted, 1)
	assert.Equal(t, transmitter, minted[0].To)
	assert.Equal(t, selector("receiveMessage(bytes,bytes)"), minted[0].Payload[:4])
	assert.Equal(t, *res.MintTxID, minted[0].Hash)
}

func TestExecuteRejectsZeroAmountWithoutNetwork(t *testing.T) {
	att := alwaysComplete()
	f := newFixture(t, att)

	res := f.orch.Execute(context.Background(), Request{CredentialRef: "payer", DestinationAddress: payee})

	assert.False(t, res.Success)
	assert.Equal(t, KindInvalidRequest, res.ErrorKind)
	assert.Equal(t, StateCreated, res.LastConfirmedStep)
	assert.Empty(t, f.src.Sent())
	assert.Empty(t, f.dst.Sent())
	assert.Zero(t, att.count())
}

func TestExecuteValidation(t *testing.T) {
	cases := map[string]func(*Request){
		"missing credential":          func(r *Request) { r.CredentialRef = "" },
		"short address":               func(r *Request) { r.DestinationAddress = "0x1234" },
		"address without 0x":          func(r *Request) { r.DestinationAddress = payee[2:] + "00" },
		"fee not below amount":        func(r *Request) { r.Amount = amount.NewSubunits(400) },
		"above approval limit":        func(r *Request) { r.Amount = amount.NewSubunits(DefaultApprovalCeiling + 1) },
		"explicit fee too high":       func(r *Request) { r.MaxFee = subunits(30_000_000) },
		"credential of another payer": func(r *Request) { r.PayerAddress = payee },
		"malformed payer":             func(r *Request) { r.PayerAddress = "0xabc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, alwaysComplete())
			req := request(t, "25.50")
			mutate(&req)

			res := f.orch.Execute(context.Background(), req)
			assert.Equal(t, KindInvalidRequest, res.ErrorKind)
			assert.Empty(t, f.src.Sent())
		})
	}
}

func TestExecuteApprovalFailure(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	f.src.SendHook = func(to common.Address, _ []byte) error {
		if to == usdc {
			return fmt.Errorf("insufficient funds for gas")
		}
		return nil
	}

	res := f.orch.Execute(context.Background(), request(t, "1"))

	assert.Equal(t, KindApprovalFailed, res.ErrorKind)
	assert.Equal(t, StateApproving, res.LastConfirmedStep)
	assert.Nil(t, res.BurnTxID)
	assert.False(t, res.Resumable)
	assert.Empty(t, f.src.Sent())
}

func TestExecuteBurnReverted(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	f.src.ConfirmHook = revertTo(f.src, messenger)

	res := f.orch.Execute(context.Background(), request(t, "1"))

	assert.Equal(t, KindBurnFailed, res.ErrorKind)
	require.NotNil(t, res.BurnTxID)
	assert.False(t, res.Resumable)
	assert.Empty(t, f.dst.Sent())
}

func TestExecuteBurnConfirmationTimeoutIsResumable(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	f.src.ConfirmHook = func(_ context.Context, txID common.Hash) error {
		sent := f.src.Sent()
		if len(sent) == 2 && sent[1].Hash == txID {
			return chain.ErrConfirmationTimeout
		}
		return nil
	}

	res := f.orch.Execute(context.Background(), request(t, "1"))

	assert.Equal(t, KindBurnFailed, res.ErrorKind)
	require.NotNil(t, res.BurnTxID)
	assert.True(t, res.Resumable)
}

func TestExecuteAttestationTimeoutThenResume(t *testing.T) {
	att := &stubAttestations{fn: func(_ context.Context, call int) (attestation.Attestation, error) {
		if call == 1 {
			return attestation.Attestation{}, attestation.ErrTimeout
		}
		return completeAttestation(), nil
	}}
	f := newFixture(t, att)
	req := request(t, "3.25")

	first := f.orch.Execute(context.Background(), req)
	require.Equal(t, KindAttestationTimeout, first.ErrorKind)
	require.NotNil(t, first.BurnTxID)
	assert.True(t, first.Resumable)
	assert.Equal(t, StateAwaitingAttestation, first.LastConfirmedStep)
	assert.Nil(t, first.Attestation)

	second := f.orch.Resume(context.Background(), req, first)

	require.True(t, second.Success, second.Error)
	assert.Equal(t, *first.BurnTxID, *second.BurnTxID)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, f.src.Sent(), 2, "resume must not burn again")
	assert.Len(t, f.dst.Sent(), 1)
	assert.Contains(t, labels(second.Audit), "resumed")
}

func TestExecuteMintFailureResumesFromAttestation(t *testing.T) {
	att := alwaysComplete()
	f := newFixture(t, att)
	var mintAttempts atomic.Int32
	f.dst.SendHook = func(common.Address, []byte) error {
		if mintAttempts.Add(1) == 1 {
			return fmt.Errorf("rpc unavailable")
		}
		return nil
	}
	req := request(t, "10")

	first := f.orch.Execute(context.Background(), req)
	require.Equal(t, KindMintFailed, first.ErrorKind)
	assert.True(t, first.Resumable)
	require.NotNil(t, first.Attestation)
	assert.Equal(t, StateMinting, first.LastConfirmedStep)

	second := f.orch.Resume(context.Background(), req, first)

	require.True(t, second.Success, second.Error)
	assert.Equal(t, 1, att.count(), "stored attestation is reused")
	assert.Len(t, f.src.Sent(), 2)
	assert.Len(t, f.dst.Sent(), 1)
}

func TestResumeReusesLandedMint(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	var timedOut atomic.Bool
	f.dst.ConfirmHook = func(context.Context, common.Hash) error {
		if timedOut.CompareAndSwap(false, true) {
			return chain.ErrConfirmationTimeout
		}
		return nil
	}
	req := request(t, "10")

	first := f.orch.Execute(context.Background(), req)
	require.Equal(t, KindMintFailed, first.ErrorKind)
	require.NotNil(t, first.MintTxID)

	second := f.orch.Resume(context.Background(), req, first)

	require.True(t, second.Success, second.Error)
	assert.Equal(t, *first.MintTxID, *second.MintTxID)
	assert.Len(t, f.dst.Sent(), 1)
}

func TestCancelAfterBurnPauses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	att := &stubAttestations{fn: func(ctx context.Context, _ int) (attestation.Attestation, error) {
		cancel()
		<-ctx.Done()
		return attestation.Attestation{}, ctx.Err()
	}}
	f := newFixture(t, att)

	res := f.orch.Execute(ctx, request(t, "1"))

	assert.Equal(t, KindPaused, res.ErrorKind)
	assert.True(t, res.Resumable)
	require.NotNil(t, res.BurnTxID)
	assert.Len(t, f.src.Sent(), 2)
}

func TestCancelBeforeBurnIsNotResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, alwaysComplete())
	f.src.ConfirmHook = func(ctx context.Context, _ common.Hash) error {
		cancel()
		return ctx.Err()
	}

	res := f.orch.Execute(ctx, request(t, "1"))

	assert.Equal(t, KindCancelled, res.ErrorKind)
	assert.False(t, res.Resumable)
	assert.Nil(t, res.BurnTxID)
	assert.Len(t, f.src.Sent(), 1, "burn must not be submitted after cancellation")
}

func TestResumeWithoutBurn(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	prior := Result{State: StateFailed, ErrorKind: KindApprovalFailed, LastConfirmedStep: StateApproving}

	res := f.orch.Resume(context.Background(), request(t, "1"), prior)

	assert.Equal(t, KindInvalidRequest, res.ErrorKind)
	assert.Empty(t, f.src.Sent())
}

func TestResumeOfCompletedResultIsNoop(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	done := Result{Success: true, State: StateCompleted}

	assert.Equal(t, done, f.orch.Resume(context.Background(), request(t, "1"), done))
}

func TestSameOutcome(t *testing.T) {
	burn := common.HexToHash("0x01")
	mint := common.HexToHash("0x02")
	a := Result{RunID: "a", Success: true, BurnTxID: &burn, MintTxID: &mint}
	b := Result{RunID: "b", Success: true, BurnTxID: hashPtr(burn), MintTxID: hashPtr(mint), Audit: []Event{{Label: "x"}}}
	other := common.HexToHash("0x03")

	assert.True(t, a.SameOutcome(b))
	assert.False(t, a.SameOutcome(Result{Success: true, BurnTxID: &burn, MintTxID: &other}))
	assert.False(t, a.SameOutcome(Result{Success: true, BurnTxID: &burn}))
}

func TestExecuteChecksCredentialAgainstPayer(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	from, err := f.src.DeriveAddress("payer")
	require.NoError(t, err)

	req := request(t, "2")
	req.PayerAddress = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	res := f.orch.Execute(context.Background(), req)
	assert.Equal(t, KindInvalidRequest, res.ErrorKind)
	assert.Contains(t, res.Error, from.Hex())
	assert.Empty(t, f.src.Sent())

	req.PayerAddress = from.Hex()
	res = f.orch.Execute(context.Background(), req)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, from, f.src.Sent()[0].From)
}

func TestExplicitZeroMaxFee(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	req := request(t, "1")
	req.MaxFee = subunits(0)

	res := f.orch.Execute(context.Background(), req)
	require.True(t, res.Success, res.Error)

	burn := f.src.Sent()[1].Payload
	assert.Zero(t, new(big.Int).SetBytes(burn[4+32*5:4+32*6]).Sign())

	res = f.orch.Execute(context.Background(), request(t, "1"))
	require.True(t, res.Success, res.Error)
	burn = f.src.Sent()[3].Payload
	assert.Equal(t, int64(DefaultMaxFee), new(big.Int).SetBytes(burn[4+32*5:4+32*6]).Int64())
}

func TestExecuteCheckpointsEachIrreversibleStep(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Result
	att := &stubAttestations{fn: func(context.Context, int) (attestation.Attestation, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) != 1 || snapshots[0].BurnTxID == nil || !snapshots[0].Resumable {
			return attestation.Attestation{}, fmt.Errorf("burn not checkpointed before polling: %+v", snapshots)
		}
		return completeAttestation(), nil
	}}
	f := newFixture(t, att)
	req := request(t, "4")
	req.Checkpoint = func(res Result) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, res)
	}

	res := f.orch.Execute(context.Background(), req)
	require.True(t, res.Success, res.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 3)
	assert.Equal(t, *res.BurnTxID, *snapshots[0].BurnTxID)
	assert.Nil(t, snapshots[0].Attestation)
	assert.NotNil(t, snapshots[1].Attestation)
	assert.Nil(t, snapshots[1].MintTxID)
	require.NotNil(t, snapshots[2].MintTxID)
	assert.Equal(t, *res.MintTxID, *snapshots[2].MintTxID)
	for _, snap := range snapshots {
		assert.True(t, snap.Resumable)
		assert.False(t, snap.Success)
	}
}

func TestResumeFindsFirstMintThatLandedLate(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	var firstMint common.Hash
	var firstChecks atomic.Int32
	f.dst.ConfirmHook = func(_ context.Context, txID common.Hash) error {
		if firstMint == (common.Hash{}) {
			firstMint = txID
		}
		if txID == firstMint {
			if firstChecks.Add(1) <= 2 {
				return chain.ErrConfirmationTimeout
			}
			return nil
		}
		return fmt.Errorf("%w: nonce already used", chain.ErrReverted)
	}
	req := request(t, "10")

	first := f.orch.Execute(context.Background(), req)
	require.Equal(t, KindMintFailed, first.ErrorKind)
	require.Equal(t, []common.Hash{firstMint}, first.MintTxIDs)

	second := f.orch.Resume(context.Background(), req, first)

	require.True(t, second.Success, second.Error)
	assert.Equal(t, firstMint, *second.MintTxID)
	require.Len(t, second.MintTxIDs, 2)
	assert.Equal(t, firstMint, second.MintTxIDs[0])
	assert.Len(t, f.dst.Sent(), 2)

	third := f.orch.Resume(context.Background(), req, second)
	assert.Equal(t, second, third)
}

func TestResumeStopsWhenMessageAlreadyReceived(t *testing.T) {
	f := newFixture(t, alwaysComplete())
	f.dst.ConfirmHook = func(context.Context, common.Hash) error { return chain.ErrConfirmationTimeout }
	req := request(t, "10")

	first := f.orch.Execute(context.Background(), req)
	require.Equal(t, KindMintFailed, first.ErrorKind)
	require.True(t, first.Resumable)

	f.dst.CallHook = func(to common.Address, data []byte) ([]byte, error) {
		assert.Equal(t, transmitter, to)
		assert.Equal(t, selector("usedNonces(bytes32)"), data[:4])
		return common.LeftPadBytes([]byte{1}, 32), nil
	}
	first.Attestation.Message = make([]byte, 148)

	second := f.orch.Resume(context.Background(), req, first)

	assert.Equal(t, KindMintFailed, second.ErrorKind)
	assert.Contains(t, second.Error, ErrMessageReceived.Error())
	assert.False(t, second.Resumable)
	assert.Len(t, f.dst.Sent(), 1, "no mint is sent once the message is consumed")
}
