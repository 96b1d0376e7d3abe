// Package keys selects the secp256k1 identity key a node runs with.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidKey = errors.New("keys: invalid secp256k1 key")

// staticSecret is the fixed debugging key. Every run using it has the same
// node id.
var staticSecret = []byte{
	183, 28, 113, 166, 126, 17, 119, 173, 78, 144, 22, 149, 225, 180, 185, 238,
	23, 174, 22, 198, 102, 141, 49, 62, 172, 47, 150, 219, 205, 163, 242, 145,
}

// Source describes where a key comes from.
type Source interface {
	fmt.Stringer
	source()
}

// Static is the fixed debugging key.
type Static struct{}

// Hex is a key given as 64 hex characters, with or without 0x.
type Hex struct{ Value string }

// Generated is a fresh random key.
type Generated struct{}

func (Static) source()    {}
func (Hex) source()       {}
func (Generated) source() {}

func (Static) String() string    { return "static" }
func (Hex) String() string       { return "hex" }
func (Generated) String() string { return "generated" }

// Select applies the operator precedence: static key first, then an explicit
// hex key, otherwise a random one.
func Select(static bool, hexKey string) Source {
	if static {
		return Static{}
	}
	if strings.TrimSpace(hexKey) != "" {
		return Hex{Value: hexKey}
	}
	return Generated{}
}

// Load materialises the key for src. A nil src generates a key.
func Load(src Source) (*ecdsa.PrivateKey, error) {
	switch s := src.(type) {
	case Static:
		return crypto.ToECDSA(staticSecret)
	case Hex:
		v := strings.TrimPrefix(strings.TrimSpace(s.Value), "0x")
		if len(v) != 64 {
			return nil, fmt.Errorf("%w: want 64 hex characters, got %d", ErrInvalidKey, len(v))
		}
		k, err := crypto.HexToECDSA(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return k, nil
	case Generated, nil:
		return crypto.GenerateKey()
	}
	return nil, fmt.Errorf("keys: unsupported source %T", src)
}
