package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/keys"
	"github.com/amirimatin/discv5-cli/pkg/record"
	"github.com/amirimatin/discv5-cli/pkg/transport/httpjson"
)

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return uint16(c.LocalAddr().(*net.UDPAddr).Port)
}

func peerENR(t *testing.T, port uint16) *enode.Node {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	n, err := record.Build(record.Config{ListenAddresses: "127.0.0.1", ListenPort: port, UseListenAsRecord: true}, key, nil)
	require.NoError(t, err)
	return n
}

func baseConfig(t *testing.T, log logrus.FieldLogger) Config {
	return Config{
		Record: record.Config{ListenAddresses: "127.0.0.1", ListenPort: freeUDPPort(t), UseListenAsRecord: true},
		Key:    keys.Generated{},
		Logger: log,
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.ErrorIs(t, Config{PeerUpdateMin: 1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Service: "gossip"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{MgmtProto: "smtp"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{StatsPeriod: -time.Second}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Record: record.Config{ListenAddresses: "localhost"}}.Validate(), record.ErrInvalidAddress)
}

func TestBuildRejectsBadIdentity(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.Key = keys.Hex{Value: "0x1234"}
	_, err := Build(cfg)
	assert.ErrorIs(t, err, keys.ErrInvalidKey)

	cfg = baseConfig(t, log)
	cfg.Record.Sequence = "abc"
	_, err = Build(cfg)
	assert.ErrorIs(t, err, record.ErrInvalidSequence)
}

func TestBootstrapFileScenario(t *testing.T) {
	peer := peerENR(t, 9100)
	doc := `{"data":[
		{"peer_id":"p1","enr":"` + peer.String() + `","last_seen_p2p_address":"","state":"connected","direction":"inbound"},
		{"peer_id":"p2","enr":"enr:-not-a-record","last_seen_p2p_address":"","state":"disconnected","direction":"outbound"}
	]}`
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	log, _ := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.BootstrapFile = path
	n, err := Build(cfg)
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, 1, n.Bootstrap.Added)
	assert.Equal(t, 1, n.Bootstrap.Skipped)
	entries := n.Engine.TableEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, peer.ID(), entries[0].ID)
	assert.Equal(t, engine.Status{State: engine.Disconnected, Direction: engine.Incoming}, entries[0].Status)
}

func TestBootstrapPeerStaysDisconnectedWhileRunning(t *testing.T) {
	peer := peerENR(t, 9)
	doc := `{"data":[{"peer_id":"p1","enr":"` + peer.String() + `","last_seen_p2p_address":"","state":"connected","direction":"inbound"}]}`
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	log, _ := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.BootstrapFile = path
	cfg.NoSearch = true
	n, err := Build(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	assert.Never(t, func() bool { return n.Snapshot().Table.ConnectedPeers > 0 }, 2*time.Second, 50*time.Millisecond)
	entries := n.Engine.TableEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, engine.Status{State: engine.Disconnected, Direction: engine.Incoming}, entries[0].Status)
}

func TestBootstrapFileErrorOnlyWarns(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.BootstrapFile = filepath.Join(t.TempDir(), "missing.json")
	n, err := Build(cfg)
	require.NoError(t, err)
	defer n.Close()

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.Empty(t, n.Engine.TableEntries())
}

func TestBootstrapENRs(t *testing.T) {
	a, b := peerENR(t, 9200), peerENR(t, 9201)
	log, _ := logtest.NewNullLogger()

	cfg := baseConfig(t, log)
	cfg.BootstrapENRs = a.String() + "," + b.String()
	n, err := Build(cfg)
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, 2, n.Bootstrap.Added)
	for _, e := range n.Engine.TableEntries() {
		assert.Equal(t, engine.Outgoing, e.Status.Direction)
	}

	cfg = baseConfig(t, log)
	cfg.BootstrapENRs = a.String() + ",enr:-garbage"
	_, err = Build(cfg)
	assert.ErrorIs(t, err, record.ErrInvalidRecord)
}

func TestStatusSnapshot(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.Key = keys.Static{}
	cfg.Record.Sequence = "7"
	cfg.Record.AuxField = "0x0a0b"
	cfg.BootstrapENRs = peerENR(t, 9300).String()
	n, err := Build(cfg)
	require.NoError(t, err)
	defer n.Close()

	b, err := n.Status(context.Background())
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(b, &st))
	assert.Equal(t, n.Record.ID().String(), st.NodeID)
	assert.Equal(t, ServiceQuery, st.Service)
	assert.Equal(t, uint64(7), st.Seq)
	assert.Equal(t, uint64(7), st.BuiltSeq)
	assert.Equal(t, "0a0b", st.Eth2)
	assert.Equal(t, 1, st.Bootstrap.Added)
	assert.Equal(t, 1, st.Table.Entries)
	assert.Zero(t, st.Table.ConnectedPeers)
	require.Len(t, st.Multiaddrs, 1)
	assert.Contains(t, st.Multiaddrs[0], "/ip4/127.0.0.1/udp/")
}

func TestRunServesStatusUntilCancelled(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	cfg := baseConfig(t, log)
	cfg.NoSearch = true
	cfg.StatsPeriod = 20 * time.Millisecond
	cfg.MgmtAddr = "127.0.0.1:0"
	n, err := Build(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	client := httpjson.NewClient(time.Second)
	require.Eventually(t, func() bool {
		addr := n.mgmt.Addr()
		if addr == cfg.MgmtAddr {
			return false
		}
		b, err := client.GetStatus(ctx, addr)
		return err == nil && len(b) > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
