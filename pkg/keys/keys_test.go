package keys

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectPrecedence(t *testing.T) {
	assert.Equal(t, Static{}, Select(true, "abcd"))
	assert.Equal(t, Hex{Value: "abcd"}, Select(false, "abcd"))
	assert.Equal(t, Generated{}, Select(false, "  "))
}

func TestStaticKeyIsStable(t *testing.T) {
	a, err := Load(Static{})
	require.NoError(t, err)
	b, err := Load(Static{})
	require.NoError(t, err)
	assert.Equal(t, enode.PubkeyToIDV4(&a.PublicKey), enode.PubkeyToIDV4(&b.PublicKey))
	assert.Equal(t, staticSecret, crypto.FromECDSA(a))
}

func TestHexKey(t *testing.T) {
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := hex.EncodeToString(crypto.FromECDSA(k))

	for _, in := range []string{raw, "0x" + raw} {
		got, err := Load(Hex{Value: in})
		require.NoError(t, err)
		assert.Equal(t, k.D, got.D)
	}
}

func TestHexKeyRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		"zz",
		"0123",
		"gg" + hex.EncodeToString(make([]byte, 31)),
		hex.EncodeToString(make([]byte, 32)), // zero is not a valid scalar
	} {
		_, err := Load(Hex{Value: in})
		assert.ErrorIs(t, err, ErrInvalidKey, in)
	}
}

func TestGeneratedKeysDiffer(t *testing.T) {
	a, err := Load(Generated{})
	require.NoError(t, err)
	b, err := Load(nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.D, b.D)
}
