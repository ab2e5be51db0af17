package safe

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal calldata packing for the handful of wallet calls the relay
// encodes. Selectors are derived from the canonical signature string so
// they cannot drift from the argument encoding below.
func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func encodeUint256(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, errors.New("value is nil")
	}
	if v.Sign() < 0 {
		return nil, errors.New("value must be non-negative")
	}
	if v.BitLen() > 256 {
		return nil, errors.New("value overflows uint256")
	}
	return common.LeftPadBytes(v.Bytes(), 32), nil
}

func encodeAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// encodeCall ABI-encodes selector(signature) followed by args. Supported
// argument kinds: common.Address, *big.Int (uint256, covers uint8 too),
// []byte (dynamic bytes) and []common.Address (dynamic address array).
func encodeCall(signature string, args ...interface{}) ([]byte, error) {
	head := make([][]byte, len(args))
	var tail []byte
	headSize := 32 * len(args)

	for i, arg := range args {
		switch v := arg.(type) {
		case common.Address:
			head[i] = encodeAddress(v)
		case *big.Int:
			w, err := encodeUint256(v)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			head[i] = w
		case []byte:
			offset, err := encodeUint256(big.NewInt(int64(headSize + len(tail))))
			if err != nil {
				return nil, err
			}
			head[i] = offset
			tail = append(tail, encodeBytes(v)...)
		case []common.Address:
			offset, err := encodeUint256(big.NewInt(int64(headSize + len(tail))))
			if err != nil {
				return nil, err
			}
			head[i] = offset
			tail = append(tail, encodeAddressSlice(v)...)
		default:
			return nil, fmt.Errorf("arg %d: unsupported type %T", i, arg)
		}
	}

	out := append([]byte{}, selector(signature)...)
	for _, w := range head {
		out = append(out, w...)
	}
	out = append(out, tail...)
	return out, nil
}

func encodeBytes(b []byte) []byte {
	out := common.LeftPadBytes(new(big.Int).SetUint64(uint64(len(b))).Bytes(), 32)
	out = append(out, b...)
	if pad := len(b) % 32; pad != 0 {
		out = append(out, make([]byte, 32-pad)...)
	}
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func uint8ToBig(v uint8) *big.Int {
	return big.NewInt(int64(v))
}

func encodeAddressSlice(addrs []common.Address) []byte {
	out := common.LeftPadBytes(new(big.Int).SetUint64(uint64(len(addrs))).Bytes(), 32)
	for _, a := range addrs {
		out = append(out, encodeAddress(a)...)
	}
	return out
}
