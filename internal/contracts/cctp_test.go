package contracts

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPackApproveSelector(t *testing.T) {
	data, err := PackApprove(common.HexToAddress("0x8fe6b999dc680ccfdd5bf7eb0974218be2542daa"), big.NewInt(10_000_000_000))
	require.NoError(t, err)
	require.Equal(t, common.FromHex("0x095ea7b3"), data[:4])
	require.Len(t, data, 4+32*2)
}

func TestPackDepositForBurnRoundTrip(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	params := BurnParams{
		Amount:               big.NewInt(25_500_000),
		DestinationDomain:    1,
		MintRecipient:        recipient,
		BurnToken:            common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238"),
		MaxFee:               big.NewInt(500),
		MinFinalityThreshold: 1000,
	}
	data, err := PackDepositForBurn(params)
	require.NoError(t, err)

	method := messengerABI.Methods["depositForBurn"]
	require.True(t, bytes.Equal(method.ID, data[:4]))

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 7)
	require.Equal(t, 0, args[0].(*big.Int).Cmp(params.Amount))
	require.Equal(t, uint32(1), args[1].(uint32))
	require.Equal(t, AddressToBytes32(recipient), args[2].([32]byte))
	require.Equal(t, [32]byte{}, args[4].([32]byte))
	require.Equal(t, uint32(1000), args[6].(uint32))
}

func TestPackReceiveMessageRequiresPayload(t *testing.T) {
	_, err := PackReceiveMessage(nil, []byte{1})
	require.Error(t, err)

	data, err := PackReceiveMessage([]byte{0x01, 0x02}, []byte{0x03})
	require.NoError(t, err)
	require.True(t, bytes.Equal(transmitterABI.Methods["receiveMessage"].ID, data[:4]))
}

func TestAddressToBytes32(t *testing.T) {
	addr := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	out := AddressToBytes32(addr)
	require.Equal(t, make([]byte, 12), out[:12])
	require.Equal(t, addr.Bytes(), out[12:])
}

func TestUsedNoncesCall(t *testing.T) {
	message := make([]byte, 148)
	for i := 12; i < 44; i++ {
		message[i] = byte(i)
	}
	nonce, err := MessageNonce(message)
	require.NoError(t, err)
	require.Equal(t, byte(12), nonce[0])
	require.Equal(t, byte(43), nonce[31])

	data, err := PackUsedNonces(nonce)
	require.NoError(t, err)
	require.Equal(t, transmitterABI.Methods["usedNonces"].ID, data[:4])
	require.Equal(t, nonce[:], data[4:36])

	used, err := UnpackUsedNonces(common.LeftPadBytes([]byte{1}, 32))
	require.NoError(t, err)
	require.True(t, used)
	used, err = UnpackUsedNonces(make([]byte, 32))
	require.NoError(t, err)
	require.False(t, used)

	_, err = MessageNonce(message[:40])
	require.Error(t, err)
}
