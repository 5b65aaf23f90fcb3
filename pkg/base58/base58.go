// Package base58 implements the base58btc codec used for multibase public
// keys in DID documents. It is an exact big-integer codec: the input is
// treated as a big-endian unsigned integer, with one leading '1' emitted per
// leading zero byte, since base58 cannot otherwise represent them.
package base58

import (
	"errors"
	"math/big"
	"strings"
)

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// MultibasePrefix marks a base58btc-encoded multibase string.
const MultibasePrefix = "z"

var (
	ErrInvalidCharacter = errors.New("base58: invalid character")
	ErrNotMultibase     = errors.New("base58: missing multibase z prefix")

	radix   = big.NewInt(58)
	decodeM [256]int8
)

func init() {
	for i := range decodeM {
		decodeM[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeM[alphabet[i]] = int8(i)
	}
}

func Encode(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	n := new(big.Int).SetBytes(b)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func Decode(s string) ([]byte, error) {
	zeros := 0
	for zeros < len(s) && s[zeros] == alphabet[0] {
		zeros++
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := decodeM[s[i]]
		if d < 0 {
			return nil, ErrInvalidCharacter
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(d)))
	}
	body := n.Bytes()
	out := make([]byte, zeros+len(body))
	copy(out[zeros:], body)
	return out, nil
}

// EncodeMultibase encodes b as base58btc with the multibase z prefix.
func EncodeMultibase(b []byte) string {
	return MultibasePrefix + Encode(b)
}

// DecodeMultibase decodes a z-prefixed base58btc multibase string.
func DecodeMultibase(s string) ([]byte, error) {
	if !strings.HasPrefix(s, MultibasePrefix) {
		return nil, ErrNotMultibase
	}
	return Decode(s[len(MultibasePrefix):])
}
