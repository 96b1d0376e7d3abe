// Package packet unmasks and decodes the header of a raw discv5 packet for
// inspection. Message payloads stay encrypted.
package packet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	FlagMessage   byte = 0
	FlagWhoareyou byte = 1
	FlagHandshake byte = 2

	Version uint16 = 1

	ivSize           = 16
	staticHeaderSize = 23
	minPacketSize    = ivSize + staticHeaderSize

	messageAuthSize   = 32
	whoareyouAuthSize = 24
	handshakeAuthMin  = 34
)

var protocolID = [6]byte{'d', 'i', 's', 'c', 'v', '5'}

var (
	ErrNoDestination = errors.New("packet: destination node id required to unmask the header")
	ErrTooShort      = errors.New("packet: too short")
	ErrProtocolID    = errors.New("packet: bad protocol id")
	ErrVersion       = errors.New("packet: unsupported version")
	ErrFlag          = errors.New("packet: unknown flag")
	ErrAuthData      = errors.New("packet: invalid authdata")
)

// StaticHeader is the fixed part of the unmasked header.
type StaticHeader struct {
	ProtocolID [6]byte
	Version    uint16
	Flag       byte
	Nonce      [12]byte
	AuthSize   uint16
}

// Packet is a decoded header plus the still encrypted message.
type Packet struct {
	IV [16]byte
	StaticHeader
	AuthData []byte

	SrcID        enode.ID // message and handshake
	IDNonce      [16]byte // whoareyou
	RecordSeq    uint64   // whoareyou
	Signature    []byte   // handshake
	EphemeralKey []byte   // handshake
	Record       *enode.Node

	Message []byte
}

// Kind names the packet type.
func (p *Packet) Kind() string {
	switch p.Flag {
	case FlagMessage:
		return "message"
	case FlagWhoareyou:
		return "whoareyou"
	case FlagHandshake:
		return "handshake"
	}
	return fmt.Sprintf("unknown(%d)", p.Flag)
}

// DecodeHex decodes a hex packet addressed to the hex node id destHex.
func DecodeHex(packetHex, destHex string) (*Packet, error) {
	if strings.TrimSpace(destHex) == "" {
		return nil, ErrNoDestination
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(packetHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("packet: bad packet hex: %w", err)
	}
	dest, err := enode.ParseID(strings.TrimPrefix(strings.TrimSpace(destHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("packet: bad node id: %w", err)
	}
	return Decode(dest, data)
}

// Decode unmasks data, which was sent to dest.
func Decode(dest enode.ID, data []byte) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	var p Packet
	copy(p.IV[:], data[:ivSize])

	block, err := aes.NewCipher(dest[:16])
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, p.IV[:])

	head := make([]byte, staticHeaderSize)
	stream.XORKeyStream(head, data[ivSize:minPacketSize])
	copy(p.ProtocolID[:], head[0:6])
	p.Version = binary.BigEndian.Uint16(head[6:8])
	p.Flag = head[8]
	copy(p.Nonce[:], head[9:21])
	p.AuthSize = binary.BigEndian.Uint16(head[21:23])

	if !bytes.Equal(p.ProtocolID[:], protocolID[:]) {
		return nil, fmt.Errorf("%w: %x", ErrProtocolID, p.ProtocolID)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, p.Version)
	}
	authEnd := minPacketSize + int(p.AuthSize)
	if len(data) < authEnd {
		return nil, fmt.Errorf("%w: authdata needs %d bytes, have %d", ErrTooShort, p.AuthSize, len(data)-minPacketSize)
	}
	p.AuthData = make([]byte, p.AuthSize)
	stream.XORKeyStream(p.AuthData, data[minPacketSize:authEnd])
	p.Message = append([]byte(nil), data[authEnd:]...)

	if err := p.decodeAuth(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Packet) decodeAuth() error {
	a := p.AuthData
	switch p.Flag {
	case FlagMessage:
		if len(a) != messageAuthSize {
			return fmt.Errorf("%w: message authdata is %d bytes", ErrAuthData, len(a))
		}
		copy(p.SrcID[:], a)
	case FlagWhoareyou:
		if len(a) != whoareyouAuthSize {
			return fmt.Errorf("%w: whoareyou authdata is %d bytes", ErrAuthData, len(a))
		}
		copy(p.IDNonce[:], a[:16])
		p.RecordSeq = binary.BigEndian.Uint64(a[16:24])
	case FlagHandshake:
		if len(a) < handshakeAuthMin {
			return fmt.Errorf("%w: handshake authdata is %d bytes", ErrAuthData, len(a))
		}
		copy(p.SrcID[:], a[:32])
		sigSize, keySize := int(a[32]), int(a[33])
		rest := a[handshakeAuthMin:]
		if len(rest) < sigSize+keySize {
			return fmt.Errorf("%w: signature and key exceed authdata", ErrAuthData)
		}
		p.Signature = append([]byte(nil), rest[:sigSize]...)
		p.EphemeralKey = append([]byte(nil), rest[sigSize:sigSize+keySize]...)
		if recBytes := rest[sigSize+keySize:]; len(recBytes) > 0 {
			var r enr.Record
			if err := rlp.DecodeBytes(recBytes, &r); err != nil {
				return fmt.Errorf("%w: record: %v", ErrAuthData, err)
			}
			n, err := enode.New(enode.ValidSchemes, &r)
			if err != nil {
				return fmt.Errorf("%w: record: %v", ErrAuthData, err)
			}
			p.Record = n
		}
	default:
		return fmt.Errorf("%w: %d", ErrFlag, p.Flag)
	}
	return nil
}

// String renders the header for humans.
func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s version=%d nonce=%x authsize=%d", p.Kind(), p.Version, p.Nonce, p.AuthSize)
	switch p.Flag {
	case FlagMessage:
		fmt.Fprintf(&b, " src=%s", p.SrcID)
	case FlagWhoareyou:
		fmt.Fprintf(&b, " id-nonce=%x enr-seq=%d", p.IDNonce, p.RecordSeq)
	case FlagHandshake:
		fmt.Fprintf(&b, " src=%s sig=%x eph-key=%x", p.SrcID, p.Signature, p.EphemeralKey)
		if p.Record != nil {
			fmt.Fprintf(&b, " record=%s", p.Record)
		}
	}
	fmt.Fprintf(&b, " message=%d bytes", len(p.Message))
	return b.String()
}
