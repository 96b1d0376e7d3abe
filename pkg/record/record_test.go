package record

import (
	"net"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddresses(t *testing.T) {
	v4, v6, err := ParseAddresses("10.0.0.1, ,::1,192.168.1.7")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7", v4.String())
	assert.Equal(t, "::1", v6.String())

	v4, v6, err = ParseAddresses("")
	require.NoError(t, err)
	assert.Nil(t, v4)
	assert.Nil(t, v6)

	_, _, err = ParseAddresses("10.0.0.1,not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBuildFromListenAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	log, hook := logtest.NewNullLogger()

	n, err := Build(Config{
		ListenAddresses:   "127.0.0.1",
		ListenPort:        9000,
		UseListenAsRecord: true,
		RecordAddresses:   "10.9.9.9",
	}, key, log)
	require.NoError(t, err)

	addr, ok := UDP4(n)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
	assert.Equal(t, 9000, addr.Port)
	assert.Equal(t, uint64(DefaultSeq), n.Seq())
	assert.Equal(t, enode.PubkeyToIDV4(&key.PublicKey), n.ID())

	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "Node Id: "+n.ID().String())
	assert.Contains(t, msgs, "Base64 ENR: "+n.String())
	assert.Contains(t, msgs, "ip: 127.0.0.1, udp port:9000")
}

func TestBuildExplicitRecord(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	n, err := Build(Config{
		ListenPort:      9100,
		RecordAddresses: "203.0.113.4,2001:db8::1",
		RecordPortV6:    9106,
		Sequence:        "42",
		AuxField:        "0xdeadbeef",
	}, key, nil)
	require.NoError(t, err)

	v4, ok := UDP4(n)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.4", v4.IP.String())
	assert.Equal(t, 9100, v4.Port)

	v6, ok := UDP6(n)
	require.True(t, ok)
	assert.Equal(t, "2001:db8::1", v6.IP.String())
	assert.Equal(t, 9106, v6.Port)

	assert.Equal(t, uint64(42), n.Seq())
	aux, err := Aux(n, DefaultAuxKey)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, aux)
}

func TestBuildWithoutEndpointWarns(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	log, hook := logtest.NewNullLogger()

	n, err := Build(Config{RecordPortV4: 9000}, key, log)
	require.NoError(t, err)
	_, ok := UDP4(n)
	assert.False(t, ok)

	var port enr.UDP
	require.NoError(t, n.Load(&port))
	assert.Equal(t, enr.UDP(9000), port)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "ENR is not printed as no IP:PORT was specified", last.Message)
}

func TestBuildRejectsBadInput(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = Build(Config{Sequence: "-1"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidSequence)

	_, err = Build(Config{AuxField: "xyz"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidHex)

	// hex digits only, odd length
	_, err = Build(Config{AuxField: "abc"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidHex)
	_, err = Build(Config{AuxField: "0xabc"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, err = Build(Config{RecordAddresses: "nowhere"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Build(Config{UseListenAsRecord: true, ListenAddresses: "1.2.3"}, key, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestParseRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	n, err := Build(Config{ListenAddresses: "127.0.0.1", UseListenAsRecord: true}, key, nil)
	require.NoError(t, err)

	text := n.String()
	require.True(t, strings.HasPrefix(text, "enr:"))

	for _, in := range []string{text, strings.TrimPrefix(text, "enr:"), "  " + text + "\n"} {
		got, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, n.ID(), got.ID())
		assert.Equal(t, n.Seq(), got.Seq())
	}

	_, err = Parse("enr:-garbage")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = Parse("")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestListen(t *testing.T) {
	v4, v6, err := Config{ListenAddresses: "::,0.0.0.0", ListenPort: 9000}.Listen()
	require.NoError(t, err)
	assert.Equal(t, &net.UDPAddr{IP: net.IPv4zero.To4(), Port: 9000}, v4)
	assert.Equal(t, 9000, v6.Port)

	v4, v6, err = Config{}.Listen()
	require.NoError(t, err)
	assert.Equal(t, DefaultListenPort, v4.Port)
	assert.Nil(t, v6)
}
