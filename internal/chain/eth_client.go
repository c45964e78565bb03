package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"billbridge/internal/credentials"
)

// EthClient signs and submits EIP-1559 transactions to one EVM chain.
type EthClient struct {
	name         string
	client       *ethclient.Client
	chainID      *big.Int
	keyring      credentials.Keyring
	confirmWait  time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger

	// sends are serialized so two runs sharing an account never race on a nonce
	sendMu sync.Mutex
}

type EthClientConfig struct {
	Name                string
	RPCURL              string
	ChainID             int64
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	Keyring             credentials.Keyring
}

func NewEthClient(ctx context.Context, cfg EthClientConfig, logger zerolog.Logger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%s: rpc url is required", cfg.Name)
	}
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("%s: keyring is required", cfg.Name)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%s: dial rpc: %w", cfg.Name, err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%s: fetch chain id: %w", cfg.Name, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		cli.Close()
		return nil, fmt.Errorf("%s: rpc reports chain %s, configured %d", cfg.Name, chainID, cfg.ChainID)
	}

	confirmWait := cfg.ConfirmationTimeout
	if confirmWait <= 0 {
		confirmWait = 5 * time.Minute
	}
	poll := cfg.ReceiptPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &EthClient{
		name:         cfg.Name,
		client:       cli,
		chainID:      chainID,
		keyring:      cfg.Keyring,
		confirmWait:  confirmWait,
		pollInterval: poll,
		logger:       logger.With().Str("component", "chain").Str("chain", cfg.Name).Logger(),
	}, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) DeriveAddress(cred credentials.Ref) (common.Address, error) {
	return credentials.Address(c.keyring, cred)
}

func (c *EthClient) SendTransaction(ctx context.Context, cred credentials.Ref, to common.Address, payload []byte) (common.Hash, error) {
	key, err := c.keyring.PrivateKey(cred)
	if err != nil {
		return common.Hash{}, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return common.Hash{}, fmt.Errorf("%s does not support dynamic fee transactions", c.name)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      payload,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * 6 / 5

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}

	c.logger.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Msg("transaction submitted")
	return signed.Hash(), nil
}

// WaitForConfirmation polls until the transaction is mined, the configured
// confirmation window passes, or ctx is cancelled.
func (c *EthClient) WaitForConfirmation(ctx context.Context, txID common.Hash) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmWait)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(waitCtx, txID)
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return Receipt{}, fmt.Errorf("%w: %s", ErrReverted, txID.Hex())
			}
			return Receipt{
				TxID:        txID,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			c.logger.Warn().Err(err).Str("tx_hash", txID.Hex()).Msg("receipt lookup failed")
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			return Receipt{}, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txID.Hex(), c.confirmWait)
		case <-ticker.C:
		}
	}
}

func (c *EthClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
