package record

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var ErrNoPubkey = errors.New("record: node has no secp256k1 public key")

// PeerID derives the libp2p peer id of n from its secp256k1 key.
func PeerID(n *enode.Node) (peer.ID, error) {
	pub := n.Pubkey()
	if pub == nil {
		return "", ErrNoPubkey
	}
	pk, err := p2pcrypto.UnmarshalSecp256k1PublicKey(ethcrypto.CompressPubkey(pub))
	if err != nil {
		return "", fmt.Errorf("record: convert pubkey: %w", err)
	}
	return peer.IDFromPublicKey(pk)
}

// Multiaddrs lists the /p2p multiaddrs advertised by n, one per
// family/transport pair present in the record.
func Multiaddrs(n *enode.Node) []ma.Multiaddr {
	pid, err := PeerID(n)
	if err != nil {
		return nil
	}
	var (
		out  []ma.Multiaddr
		ip4  enr.IPv4
		ip6  enr.IPv6
		udp  enr.UDP
		tcp  enr.TCP
		udp6 enr.UDP6
		tcp6 enr.TCP6
	)
	add := func(family string, ip net.IP, transport string, port uint16) {
		m, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d/p2p/%s", family, ip, transport, port, pid))
		if err == nil {
			out = append(out, m)
		}
	}
	if n.Load(&ip4) == nil {
		if n.Load(&udp) == nil {
			add("ip4", net.IP(ip4), "udp", uint16(udp))
		}
		if n.Load(&tcp) == nil {
			add("ip4", net.IP(ip4), "tcp", uint16(tcp))
		}
	}
	if n.Load(&ip6) == nil {
		if n.Load(&udp6) == nil {
			add("ip6", net.IP(ip6), "udp", uint16(udp6))
		}
		if n.Load(&tcp6) == nil {
			add("ip6", net.IP(ip6), "tcp", uint16(tcp6))
		}
	}
	return out
}

// NodeFromMultiaddr turns /ip4|ip6/<ip>/udp/<port>/p2p/<peer> into an
// unsigned node carrying only identity and endpoint, enough to contact it.
func NodeFromMultiaddr(m ma.Multiaddr) (*enode.Node, error) {
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, fmt.Errorf("record: multiaddr %s: %w", m, err)
	}
	pk, err := info.ID.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("record: peer %s: %w", info.ID, err)
	}
	if pk.Type() != p2pcrypto.Secp256k1 {
		return nil, fmt.Errorf("record: peer %s: want secp256k1 key, got %s", info.ID, pk.Type())
	}
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("record: peer %s: %w", info.ID, err)
	}

	ipText, err := m.ValueForProtocol(ma.P_IP4)
	if err != nil {
		if ipText, err = m.ValueForProtocol(ma.P_IP6); err != nil {
			return nil, fmt.Errorf("%w: %s has no ip component", ErrInvalidAddress, m)
		}
	}
	ip := net.ParseIP(ipText)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ipText)
	}
	portText, err := m.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return nil, fmt.Errorf("record: multiaddr %s has no udp component", m)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("record: udp port %q: %w", portText, err)
	}
	return enode.NewV4(pub, ip, 0, port), nil
}
