// Package attestation polls the CCTP attestation service (Iris) for proof that
// a burn happened.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// Attestation is the message/proof pair the destination transmitter accepts.
type Attestation struct {
	Message    hexutil.Bytes `json:"message"`
	Proof      hexutil.Bytes `json:"attestation"`
	Status     Status        `json:"status"`
	EventNonce string        `json:"eventNonce,omitempty"`
}

// ErrTimeout is returned when maxWait passes without a complete attestation.
var ErrTimeout = errors.New("attestation timeout")

var errRateLimited = errors.New("rate limited")

type Config struct {
	BaseURL        string
	SourceDomain   uint32
	PollInterval   time.Duration
	MaxWait        time.Duration
	Cooldown       time.Duration // wait after HTTP 429; defaults to 60 poll intervals
	RequestTimeout time.Duration
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type messageResponse struct {
	Message                   string `json:"message"`
	Attestation               string `json:"attestation"`
	Status                    string `json:"status"`
	EventNonce                string `json:"eventNonce"`
	SourceDomain              string `json:"sourceDomain"`
	DestinationDomain         string `json:"destinationDomain"`
	FinalityThresholdExecuted string `json:"finalityThresholdExecuted"`
}

type outcome string

const (
	outcomeNotFound    outcome = "not_found"
	outcomePending     outcome = "pending"
	outcomeComplete    outcome = "complete"
	outcomeRateLimited outcome = "rate_limited"
	outcomeError       outcome = "error"
)

type Poller struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger

	// Now and Sleep are replaceable so timing can be tested on a virtual clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller builds a poller. limiter may be nil; when set it is shared by every
// poll so concurrent transfers stay under the service's request budget.
func NewPoller(cfg Config, httpClient *http.Client, limiter *rate.Limiter, logger zerolog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 20 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Poller{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.With().Str("component", "attestation").Logger(),
		Now:        time.Now,
		Sleep:      sleepContext,
	}
}

// Poll queries for the attestation of burnTx until it is complete or maxWait
// elapses. Zero durations fall back to the configured defaults. Rate-limit
// cooldowns count against maxWait.
func (p *Poller) Poll(ctx context.Context, burnTx common.Hash, pollInterval, maxWait time.Duration) (Attestation, error) {
	if pollInterval <= 0 {
		pollInterval = p.cfg.PollInterval
	}
	if maxWait <= 0 {
		maxWait = p.cfg.MaxWait
	}
	cooldown := p.cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 60 * pollInterval
	}

	log := p.logger.With().Str("tx_hash", burnTx.Hex()).Logger()
	start := p.Now()
	deadline := start.Add(maxWait)

	for attempt := 1; ; attempt++ {
		if p.limiter != nil {
			if err := p.waitLimiter(ctx, deadline); err != nil {
				if ctx.Err() != nil {
					return Attestation{}, ctx.Err()
				}
				return Attestation{}, fmt.Errorf("%w: %s not attested after %s (%d attempts, limiter: %v)", ErrTimeout, burnTx.Hex(), maxWait, attempt-1, err)
			}
		}

		att, out, err := p.fetch(ctx, burnTx)
		wait := pollInterval
		switch out {
		case outcomeComplete:
			log.Info().Int("attempt", attempt).Dur("elapsed", p.Now().Sub(start)).Msg("attestation complete")
			return att, nil
		case outcomeNotFound, outcomePending:
			log.Debug().Int("attempt", attempt).Str("outcome", string(out)).Msg("waiting for attestation")
		case outcomeRateLimited:
			wait = cooldown
			log.Warn().Int("attempt", attempt).Dur("cooldown", cooldown).Msg("attestation service rate limited")
		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("attestation query failed")
		}

		if err := ctx.Err(); err != nil {
			return Attestation{}, err
		}
		remaining := deadline.Sub(p.Now())
		if remaining <= 0 {
			return Attestation{}, fmt.Errorf("%w: %s not attested after %s (%d attempts)", ErrTimeout, burnTx.Hex(), maxWait, attempt)
		}
		if wait > remaining {
			wait = remaining
		}
		if err := p.Sleep(ctx, wait); err != nil {
			return Attestation{}, err
		}
	}
}

// waitLimiter waits for a request token no later than deadline. The limiter
// runs on the wall clock, so the deadline is carried over as time remaining.
func (p *Poller) waitLimiter(ctx context.Context, deadline time.Time) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline.Sub(p.Now()))
	defer cancel()
	return p.limiter.Wait(waitCtx)
}

func (p *Poller) endpoint(burnTx common.Hash) string {
	q := url.Values{}
	q.Set("transactionHash", burnTx.Hex())
	return fmt.Sprintf("%s/v2/messages/%s?%s",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		strconv.FormatUint(uint64(p.cfg.SourceDomain), 10),
		q.Encode())
}

func (p *Poller) fetch(ctx context.Context, burnTx common.Hash) (Attestation, outcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.endpoint(burnTx), nil)
	if err != nil {
		return Attestation{}, outcomeError, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Attestation{}, outcomeError, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Attestation{}, outcomeNotFound, nil
	case http.StatusTooManyRequests:
		return Attestation{}, outcomeRateLimited, errRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Attestation{}, outcomeError, fmt.Errorf("attestation service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload messagesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Attestation{}, outcomeError, fmt.Errorf("decode attestation response: %w", err)
	}
	if len(payload.Messages) == 0 {
		return Attestation{}, outcomeNotFound, nil
	}

	msg := payload.Messages[0]
	if Status(msg.Status) != StatusComplete {
		return Attestation{}, outcomePending, nil
	}
	message, err := hexutil.Decode(msg.Message)
	if err != nil {
		return Attestation{}, outcomeError, fmt.Errorf("decode message bytes: %w", err)
	}
	proof, err := hexutil.Decode(msg.Attestation)
	if err != nil {
		return Attestation{}, outcomeError, fmt.Errorf("decode attestation bytes: %w", err)
	}
	return Attestation{
		Message:    message,
		Proof:      proof,
		Status:     StatusComplete,
		EventNonce: msg.EventNonce,
	}, outcomeComplete, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
