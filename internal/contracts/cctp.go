// Package contracts holds the ABIs of the CCTP v2 contracts and the USDC token,
// and packs call data for the three calls a transfer makes.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const ERC20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const TokenMessengerV2ABI = `[
  {"type":"function","name":"depositForBurn","stateMutability":"nonpayable",
   "inputs":[
     {"name":"amount","type":"uint256"},
     {"name":"destinationDomain","type":"uint32"},
     {"name":"mintRecipient","type":"bytes32"},
     {"name":"burnToken","type":"address"},
     {"name":"destinationCaller","type":"bytes32"},
     {"name":"maxFee","type":"uint256"},
     {"name":"minFinalityThreshold","type":"uint32"}],
   "outputs":[]}
]`

const MessageTransmitterV2ABI = `[
  {"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
   "inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
   "outputs":[{"name":"success","type":"bool"}]},
  {"type":"function","name":"usedNonces","stateMutability":"view",
   "inputs":[{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc20ABI       = mustParse(ERC20ABI)
	messengerABI   = mustParse(TokenMessengerV2ABI)
	transmitterABI = mustParse(MessageTransmitterV2ABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// BurnParams are the depositForBurn arguments.
type BurnParams struct {
	Amount               *big.Int
	DestinationDomain    uint32
	MintRecipient        common.Address
	BurnToken            common.Address
	DestinationCaller    common.Address // zero lets any relayer call receiveMessage
	MaxFee               *big.Int
	MinFinalityThreshold uint32
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return data, nil
}

func PackDepositForBurn(p BurnParams) ([]byte, error) {
	if p.Amount == nil || p.MaxFee == nil {
		return nil, fmt.Errorf("pack depositForBurn: amount and max fee are required")
	}
	data, err := messengerABI.Pack("depositForBurn",
		p.Amount,
		p.DestinationDomain,
		AddressToBytes32(p.MintRecipient),
		p.BurnToken,
		AddressToBytes32(p.DestinationCaller),
		p.MaxFee,
		p.MinFinalityThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("pack depositForBurn: %w", err)
	}
	return data, nil
}

func PackReceiveMessage(message, attestation []byte) ([]byte, error) {
	if len(message) == 0 || len(attestation) == 0 {
		return nil, fmt.Errorf("pack receiveMessage: message and attestation are required")
	}
	data, err := transmitterABI.Pack("receiveMessage", message, attestation)
	if err != nil {
		return nil, fmt.Errorf("pack receiveMessage: %w", err)
	}
	return data, nil
}

// messageNonceOffset is where the 32-byte nonce starts in a v2 message, after
// the version, source domain and destination domain words.
const messageNonceOffset = 12

// MessageNonce extracts the nonce the destination transmitter records once the
// message is received.
func MessageNonce(message []byte) ([32]byte, error) {
	var nonce [32]byte
	if len(message) < messageNonceOffset+32 {
		return nonce, fmt.Errorf("message of %d bytes is too short to carry a nonce", len(message))
	}
	copy(nonce[:], message[messageNonceOffset:messageNonceOffset+32])
	return nonce, nil
}

func PackUsedNonces(nonce [32]byte) ([]byte, error) {
	data, err := transmitterABI.Pack("usedNonces", nonce)
	if err != nil {
		return nil, fmt.Errorf("pack usedNonces: %w", err)
	}
	return data, nil
}

// UnpackUsedNonces reports whether usedNonces returned a non-zero marker.
func UnpackUsedNonces(data []byte) (bool, error) {
	out, err := transmitterABI.Unpack("usedNonces", data)
	if err != nil {
		return false, fmt.Errorf("unpack usedNonces: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unpack usedNonces: %d values", len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unpack usedNonces: unexpected %T", out[0])
	}
	return n.Sign() != 0, nil
}

// AddressToBytes32 left-pads a 20-byte address to the 32-byte form CCTP uses
// for cross-domain recipients.
func AddressToBytes32(addr common.Address) [32]byte {
	var out [32]byte
	copy(out[:], common.LeftPadBytes(addr.Bytes(), 32))
	return out
}
