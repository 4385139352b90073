// Package onchain records stakes and resolutions on an EVM settlement
// contract.
//
// Every instruction is one signed legacy transaction. Failures before the
// transaction is broadcast are marked retryable; once SendTransaction has
// been called nothing is retried, because the transaction may still land.
package onchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predictarena/internal/crypto"
	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/settlement"
)

// Choice codes understood by the contract.
const (
	choiceUp    uint8 = 1
	choiceDown  uint8 = 2
	choiceRange uint8 = 3
)

// Outcome codes understood by the contract.
const (
	outcomeWin     uint8 = 1
	outcomeRefund  uint8 = 2
	outcomeForfeit uint8 = 3
)

const arenaABIJSON = `[
	{
		"name": "recordStake",
		"type": "function",
		"inputs": [
			{"name": "roundId", "type": "bytes32"},
			{"name": "stakeId", "type": "bytes32"},
			{"name": "participant", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "choice", "type": "uint8"},
			{"name": "rangeMin", "type": "uint256"},
			{"name": "rangeMax", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "resolveRound",
		"type": "function",
		"inputs": [
			{"name": "roundId", "type": "bytes32"},
			{"name": "finalPrice", "type": "uint256"},
			{"name": "outcome", "type": "uint8"}
		],
		"outputs": []
	}
]`

var arenaABI abi.ABI

func init() {
	var err error
	arenaABI, err = abi.JSON(strings.NewReader(arenaABIJSON))
	if err != nil {
		panic("onchain: arena abi parse: " + err.Error())
	}
}

// ChainClient is the subset of ethclient.Client the gateway uses.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config configures a Gateway.
type Config struct {
	Contract       string
	FallbackGas    uint64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Gateway implements domain.SettlementGateway against the arena contract.
type Gateway struct {
	client   ChainClient
	signer   *crypto.Signer
	contract common.Address
	cfg      Config
	logger   *slog.Logger

	// mu serialises nonce allocation and broadcast.
	mu sync.Mutex
}

var _ domain.SettlementGateway = (*Gateway)(nil)

// Dial connects to rpcURL and returns a Gateway using it.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial %s: %w", rpcURL, err)
	}
	return New(client, signer, cfg, logger)
}

// New creates a Gateway over an existing client.
func New(client ChainClient, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("onchain: invalid contract address %q", cfg.Contract)
	}
	if cfg.FallbackGas == 0 {
		cfg.FallbackGas = 250_000
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 3 * time.Second
	}
	return &Gateway{
		client:   client,
		signer:   signer,
		contract: common.HexToAddress(cfg.Contract),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settlement.onchain")),
	}, nil
}

// RecordStake sends recordStake for in.
func (g *Gateway) RecordStake(ctx context.Context, in domain.StakeInstruction) error {
	if !common.IsHexAddress(in.Address) {
		return fmt.Errorf("onchain: participant address %q is not an EVM address", in.Address)
	}
	roundID, err := idBytes(in.RoundID)
	if err != nil {
		return err
	}
	stakeID, err := idBytes(in.StakeID)
	if err != nil {
		return err
	}

	choice := choiceUp
	lo, hi := new(big.Int), new(big.Int)
	switch {
	case in.Range != nil:
		choice = choiceRange
		lo, hi = in.Range.Min.Units(), in.Range.Max.Units()
	case in.Side == domain.SideDown:
		choice = choiceDown
	}

	data, err := arenaABI.Pack("recordStake",
		roundID, stakeID, common.HexToAddress(in.Address), in.Amount.Units(), choice, lo, hi)
	if err != nil {
		return fmt.Errorf("onchain: pack recordStake: %w", err)
	}
	return g.send(ctx, "recordStake", data)
}

// RecordResolution sends resolveRound for in.
func (g *Gateway) RecordResolution(ctx context.Context, in domain.ResolutionInstruction) error {
	roundID, err := idBytes(in.RoundID)
	if err != nil {
		return err
	}
	var outcome uint8
	switch in.Outcome {
	case domain.OutcomeWin:
		outcome = outcomeWin
	case domain.OutcomeRefund:
		outcome = outcomeRefund
	case domain.OutcomeForfeit:
		outcome = outcomeForfeit
	default:
		return fmt.Errorf("onchain: unknown outcome %q", in.Outcome)
	}

	data, err := arenaABI.Pack("resolveRound", roundID, in.FinalPrice.Units(), outcome)
	if err != nil {
		return fmt.Errorf("onchain: pack resolveRound: %w", err)
	}
	return g.send(ctx, "resolveRound", data)
}

func (g *Gateway) send(ctx context.Context, method string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := g.signer.Address()
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return settlement.Retryable(fmt.Errorf("onchain: nonce: %w", err))
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return settlement.Retryable(fmt.Errorf("onchain: gas price: %w", err))
	}

	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &g.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "onchain: gas estimate failed, using fallback",
			slog.String("method", method),
			slog.Uint64("gas", g.cfg.FallbackGas),
			slog.String("error", err.Error()),
		)
		gas = g.cfg.FallbackGas
	} else {
		gas = gas * 12 / 10
	}

	signed, err := g.signer.SignTx(types.NewTransaction(nonce, g.contract, big.NewInt(0), gas, gasPrice, data))
	if err != nil {
		return err
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("onchain: send %s: %w", method, err)
	}

	hash := signed.Hash()
	g.logger.InfoContext(ctx, "onchain: transaction sent",
		slog.String("method", method),
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", nonce),
	)

	receiptCtx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := g.waitForReceipt(receiptCtx, hash)
	if err != nil {
		return fmt.Errorf("onchain: %s receipt %s: %w", method, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("onchain: %s reverted: %s", method, hash.Hex())
	}
	return nil
}

func (g *Gateway) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.logger.DebugContext(ctx, "onchain: receipt lookup failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// idBytes left-pads a UUID into a bytes32 word.
func idBytes(id string) ([32]byte, error) {
	var out [32]byte
	u, err := uuid.Parse(id)
	if err != nil {
		return out, fmt.Errorf("onchain: id %q: %w", id, err)
	}
	copy(out[16:], u[:])
	return out, nil
}
