package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/discover/v5wire"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/discv5-cli/pkg/record"
)

func mask(t *testing.T, dest enode.ID, flag byte, auth, msg []byte) []byte {
	t.Helper()
	iv := []byte("0123456789abcdef")
	head := make([]byte, 0, staticHeaderSize+len(auth))
	head = append(head, protocolID[:]...)
	head = binary.BigEndian.AppendUint16(head, Version)
	head = append(head, flag)
	head = append(head, []byte("nonce-12byte")...)
	head = binary.BigEndian.AppendUint16(head, uint16(len(auth)))
	head = append(head, auth...)

	block, err := aes.NewCipher(dest[:16])
	require.NoError(t, err)
	masked := make([]byte, len(head))
	cipher.NewCTR(block, iv).XORKeyStream(masked, head)

	out := append([]byte(nil), iv...)
	out = append(out, masked...)
	return append(out, msg...)
}

var dest = enode.HexID("bbbb9d047f0488c0b5a93c1c3f2d8bafc7c8ff337024a55434a0d0555de64db9")

func TestDecodeMessage(t *testing.T) {
	src := enode.ID{0xaa, 0xbb}
	raw := mask(t, dest, FlagMessage, src[:], []byte{1, 2, 3, 4})

	p, err := DecodeHex(hex.EncodeToString(raw), dest.String())
	require.NoError(t, err)
	assert.Equal(t, "message", p.Kind())
	assert.Equal(t, src, p.SrcID)
	assert.Equal(t, "nonce-12byte", string(p.Nonce[:]))
	assert.Equal(t, []byte{1, 2, 3, 4}, p.Message)
	assert.Contains(t, p.String(), "src="+src.String())
}

func TestDecodeWhoareyou(t *testing.T) {
	auth := make([]byte, 24)
	copy(auth, "id-nonce-16bytes")
	binary.BigEndian.PutUint64(auth[16:], 7)

	p, err := Decode(dest, mask(t, dest, FlagWhoareyou, auth, nil))
	require.NoError(t, err)
	assert.Equal(t, "whoareyou", p.Kind())
	assert.Equal(t, "id-nonce-16bytes", string(p.IDNonce[:]))
	assert.Equal(t, uint64(7), p.RecordSeq)
	assert.Empty(t, p.Message)
}

func TestDecodeHandshakeWithRecord(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	n, err := record.Build(record.Config{ListenAddresses: "127.0.0.1", UseListenAsRecord: true}, key, nil)
	require.NoError(t, err)
	recBytes, err := rlp.EncodeToBytes(n.Record())
	require.NoError(t, err)

	sig := make([]byte, 64)
	eph := crypto.CompressPubkey(&key.PublicKey)
	auth := append([]byte(nil), n.ID().Bytes()...)
	auth = append(auth, byte(len(sig)), byte(len(eph)))
	auth = append(auth, sig...)
	auth = append(auth, eph...)
	auth = append(auth, recBytes...)

	p, err := Decode(dest, mask(t, dest, FlagHandshake, auth, []byte{9}))
	require.NoError(t, err)
	assert.Equal(t, "handshake", p.Kind())
	assert.Equal(t, n.ID(), p.SrcID)
	assert.Equal(t, eph, p.EphemeralKey)
	require.NotNil(t, p.Record)
	assert.Equal(t, n.ID(), p.Record.ID())
}

func TestDecodeErrors(t *testing.T) {
	src := enode.ID{1}
	good := mask(t, dest, FlagMessage, src[:], nil)

	_, err := Decode(dest, good[:20])
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Decode(enode.ID{0x01}, good)
	assert.ErrorIs(t, err, ErrProtocolID)

	_, err = Decode(dest, good[:len(good)-1])
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Decode(dest, mask(t, dest, 7, src[:], nil))
	assert.ErrorIs(t, err, ErrFlag)

	_, err = Decode(dest, mask(t, dest, FlagWhoareyou, src[:], nil))
	assert.ErrorIs(t, err, ErrAuthData)

	_, err = DecodeHex("zz", dest.String())
	assert.Error(t, err)

	_, err = DecodeHex(hex.EncodeToString(good), "")
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestDecodeWireCodecPackets(t *testing.T) {
	senderKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	destKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	defer db.Close()

	ln := enode.NewLocalNode(db, senderKey)
	codec := v5wire.NewCodec(ln, senderKey, mclock.System{}, nil)
	to := enode.NewV4(&destKey.PublicKey, net.IPv4(127, 0, 0, 1), 0, 30303)
	addr := "127.0.0.1:30303"

	t.Run("message", func(t *testing.T) {
		raw, _, err := codec.Encode(to.ID(), addr, &v5wire.Ping{ReqID: []byte{1}}, nil)
		require.NoError(t, err)
		p, err := Decode(to.ID(), raw)
		require.NoError(t, err)
		assert.Equal(t, FlagMessage, p.Flag)
		assert.Equal(t, ln.ID(), p.SrcID)
		assert.NotEmpty(t, p.Message)
	})

	t.Run("whoareyou", func(t *testing.T) {
		challenge := &v5wire.Whoareyou{Nonce: v5wire.Nonce{9}, IDNonce: [16]byte{7}, RecordSeq: 5, Node: to}
		raw, _, err := codec.Encode(to.ID(), addr, challenge, nil)
		require.NoError(t, err)
		p, err := Decode(to.ID(), raw)
		require.NoError(t, err)
		assert.Equal(t, FlagWhoareyou, p.Flag)
		assert.Equal(t, [12]byte(v5wire.Nonce{9}), p.Nonce)
		assert.Equal(t, [16]byte{7}, p.IDNonce)
		assert.Equal(t, uint64(5), p.RecordSeq)
	})

	t.Run("handshake", func(t *testing.T) {
		challenge := &v5wire.Whoareyou{ChallengeData: []byte("challenge"), IDNonce: [16]byte{3}, Node: to}
		raw, _, err := codec.Encode(to.ID(), addr, &v5wire.Ping{ReqID: []byte{2}}, challenge)
		require.NoError(t, err)
		p, err := Decode(to.ID(), raw)
		require.NoError(t, err)
		assert.Equal(t, FlagHandshake, p.Flag)
		assert.Equal(t, ln.ID(), p.SrcID)
		assert.Len(t, p.Signature, 64)
		assert.Len(t, p.EphemeralKey, 33)
		require.NotNil(t, p.Record)
		assert.Equal(t, ln.ID(), p.Record.ID())
	})
}
