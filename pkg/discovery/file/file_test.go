package file

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/record"
)

type added struct {
	id  enode.ID
	dir engine.Direction
}

type fakeRegistrar struct {
	got    []added
	refuse map[enode.ID]bool
}

func (f *fakeRegistrar) AddNode(n *enode.Node, dir engine.Direction) error {
	if f.refuse[n.ID()] {
		return errors.New("table full")
	}
	f.got = append(f.got, added{n.ID(), dir})
	return nil
}

func testNode(t *testing.T, port uint16) *enode.Node {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	n, err := record.Build(record.Config{ListenAddresses: "127.0.0.1", ListenPort: port, UseListenAsRecord: true}, key, nil)
	require.NoError(t, err)
	return n
}

func writeStore(t *testing.T, s Store) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func TestBootstrapRegistersValidEntries(t *testing.T) {
	a, b, c := testNode(t, 9000), testNode(t, 9001), testNode(t, 9002)
	path := writeStore(t, Store{Data: []Entry{
		{ENR: a.String(), State: StateConnected, Direction: DirectionInbound},
		{ENR: "enr:-broken", State: StateDisconnected, Direction: DirectionOutbound},
		{ENR: b.String(), State: StateDisconnected, Direction: DirectionOutbound},
		{ENR: c.String(), State: StateConnected, Direction: DirectionOutbound},
	}})
	reg := &fakeRegistrar{refuse: map[enode.ID]bool{c.ID(): true}}
	log, _ := logtest.NewNullLogger()

	res, err := Bootstrap(reg, Options{Path: path}, log)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 4, res.Total())
	assert.Error(t, res.Errs)
	assert.Equal(t, []added{{a.ID(), engine.Incoming}, {b.ID(), engine.Outgoing}}, reg.got)
}

func TestBootstrapWithoutPath(t *testing.T) {
	reg := &fakeRegistrar{}
	res, err := Bootstrap(reg, Options{}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Empty(t, reg.got)
}

func TestBootstrapEnvOverridesPath(t *testing.T) {
	a := testNode(t, 9000)
	path := writeStore(t, Store{Data: []Entry{{ENR: a.String(), State: StateConnected, Direction: DirectionOutbound}}})
	const envName = "TEST_DISCV5_BOOTSTRAP"
	t.Setenv(envName, path)

	reg := &fakeRegistrar{}
	log, _ := logtest.NewNullLogger()
	res, err := Bootstrap(reg, Options{Path: "/does/not/exist.json", Env: envName}, log)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
}

func TestBootstrapFailures(t *testing.T) {
	reg := &fakeRegistrar{}

	_, err := Bootstrap(reg, Options{Path: filepath.Join(t.TempDir(), "missing.json")}, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"data": [`), 0o644))
	_, err = Bootstrap(reg, Options{Path: bad}, nil)
	assert.ErrorIs(t, err, ErrDecode)

	enum := filepath.Join(dir, "enum.json")
	require.NoError(t, os.WriteFile(enum, []byte(`{"data":[{"enr":"x","state":"lost","direction":"inbound"}]}`), 0o644))
	_, err = Bootstrap(reg, Options{Path: enum}, nil)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Empty(t, reg.got)
}

func TestEmptyDocument(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o644))
	s, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, s.Data)
}
