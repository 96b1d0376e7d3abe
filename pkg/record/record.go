// Package record builds and inspects the signed node records (ENRs) the
// harness advertises and consumes.
package record

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
)

const (
	DefaultListenAddresses = "0.0.0.0"
	DefaultListenPort      = 9000
	DefaultAuxKey          = "eth2"
	DefaultSeq             = 1
)

var (
	ErrInvalidAddress  = errors.New("record: invalid ip address")
	ErrInvalidSequence = errors.New("record: invalid sequence number")
	ErrInvalidHex      = errors.New("record: invalid hex")
	ErrInvalidRecord   = errors.New("record: invalid enr")
)

// Config holds the inputs for the local record.
type Config struct {
	ListenAddresses string // CSV; last address per family wins
	ListenPort      uint16
	ListenPortV6    uint16 // 0 means ListenPort

	RecordAddresses   string // CSV, optional
	RecordPortV4      uint16 // 0 means unset
	RecordPortV6      uint16 // 0 means unset
	UseListenAsRecord bool

	Sequence string // decimal uint64, optional
	AuxField string // hex, optional
	AuxKey   string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ListenAddresses) == "" {
		c.ListenAddresses = DefaultListenAddresses
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.ListenPortV6 == 0 {
		c.ListenPortV6 = c.ListenPort
	}
	if c.AuxKey == "" {
		c.AuxKey = DefaultAuxKey
	}
	return c
}

// Listen returns the bind addresses derived from the listen CSV.
func (c Config) Listen() (v4, v6 *net.UDPAddr, err error) {
	c = c.withDefaults()
	ip4, ip6, err := ParseAddresses(c.ListenAddresses)
	if err != nil {
		return nil, nil, err
	}
	if ip4 != nil {
		v4 = &net.UDPAddr{IP: ip4, Port: int(c.ListenPort)}
	}
	if ip6 != nil {
		v6 = &net.UDPAddr{IP: ip6, Port: int(c.ListenPortV6)}
	}
	return v4, v6, nil
}

// ParseAddresses splits a comma separated address list by family. Empty
// items are ignored and the last address of each family wins.
func ParseAddresses(csv string) (v4, v6 net.IP, err error) {
	for _, item := range strings.Split(csv, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ip := net.ParseIP(item)
		if ip == nil {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidAddress, item)
		}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = ip4
		} else {
			v6 = ip
		}
	}
	return v4, v6, nil
}

// Build assembles and signs the local record described by cfg.
func Build(cfg Config, key *ecdsa.PrivateKey, log logrus.FieldLogger) (*enode.Node, error) {
	cfg = cfg.withDefaults()
	var r enr.Record

	if cfg.UseListenAsRecord {
		ip4, ip6, err := ParseAddresses(cfg.ListenAddresses)
		if err != nil {
			return nil, err
		}
		setEndpoints(&r, ip4, cfg.ListenPort, ip6, cfg.ListenPortV6)
	} else {
		if cfg.RecordAddresses != "" {
			ip4, ip6, err := ParseAddresses(cfg.RecordAddresses)
			if err != nil {
				return nil, err
			}
			setEndpoints(&r, ip4, cfg.ListenPort, ip6, cfg.ListenPortV6)
		}
		if cfg.RecordPortV4 != 0 {
			r.Set(enr.UDP(cfg.RecordPortV4))
		}
		if cfg.RecordPortV6 != 0 {
			r.Set(enr.UDP6(cfg.RecordPortV6))
		}
	}

	seq := uint64(DefaultSeq)
	if s := strings.TrimSpace(cfg.Sequence); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSequence, cfg.Sequence)
		}
		seq = v
	}
	r.SetSeq(seq)

	if cfg.AuxField != "" {
		b, err := DecodeHex(cfg.AuxField)
		if err != nil {
			return nil, err
		}
		r.Set(enr.WithEntry(cfg.AuxKey, b))
	}

	if err := enode.SignV4(&r, key); err != nil {
		return nil, fmt.Errorf("record: sign: %w", err)
	}
	n, err := enode.New(enode.ValidSchemes, &r)
	if err != nil {
		return nil, fmt.Errorf("record: build node: %w", err)
	}
	Announce(log, n)
	return n, nil
}

func setEndpoints(r *enr.Record, ip4 net.IP, port4 uint16, ip6 net.IP, port6 uint16) {
	if ip4 != nil {
		r.Set(enr.IPv4(ip4))
		r.Set(enr.UDP(port4))
	}
	if ip6 != nil {
		r.Set(enr.IPv6(ip6))
		r.Set(enr.UDP6(port6))
	}
}

// Announce logs the identity of n the way operators expect to copy it.
func Announce(log logrus.FieldLogger, n *enode.Node) {
	logutil.Infof(log, "Node Id: %s", n.ID())
	if addr, ok := UDP4(n); ok {
		logutil.Infof(log, "Base64 ENR: %s", n.String())
		logutil.Infof(log, "ip: %s, udp port:%d", addr.IP, addr.Port)
		return
	}
	logutil.Warnf(log, "ENR is not printed as no IP:PORT was specified")
}

// DecodeHex decodes s with an optional 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// Parse decodes a textual record. The "enr:" prefix is optional.
func Parse(text string) (*enode.Node, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRecord)
	}
	if !strings.HasPrefix(text, "enr:") && !strings.HasPrefix(text, "enode://") {
		text = "enr:" + text
	}
	n, err := enode.Parse(enode.ValidSchemes, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return n, nil
}

// UDP4 reports the IPv4 endpoint of n when both ip and udp are present.
func UDP4(n *enode.Node) (*net.UDPAddr, bool) {
	var (
		ip   enr.IPv4
		port enr.UDP
	)
	if n.Load(&ip) != nil || n.Load(&port) != nil {
		return nil, false
	}
	return &net.UDPAddr{IP: net.IP(ip), Port: int(port)}, true
}

// UDP6 reports the IPv6 endpoint of n when both ip6 and udp6 are present.
func UDP6(n *enode.Node) (*net.UDPAddr, bool) {
	var (
		ip   enr.IPv6
		port enr.UDP6
	)
	if n.Load(&ip) != nil || n.Load(&port) != nil {
		return nil, false
	}
	return &net.UDPAddr{IP: net.IP(ip), Port: int(port)}, true
}

// Aux returns the raw auxiliary value stored under key.
func Aux(n *enode.Node, key string) ([]byte, error) {
	var b []byte
	if err := n.Load(enr.WithEntry(key, &b)); err != nil {
		return nil, err
	}
	return b, nil
}
