package packet

import (
	"github.com/cockroachdb/errors"
	"github.com/iotaledger/hive.go/marshalutil"
)

const (
	// MaxPayloadSize bounds the payload of a single packet so that the whole
	// frame always fits one datagram.
	MaxPayloadSize = 65000

	flagReliable = 1 << 0
)

// ErrInvalidPacket is returned when a datagram cannot be decoded. The caller
// is expected to drop the datagram; a decode failure never affects peer state.
var ErrInvalidPacket = errors.New("invalid packet")

// Bytes serializes the packet into its wire form.
func (p *Packet) Bytes() []byte {
	var flags byte
	if p.Reliable {
		flags |= flagReliable
	}

	marshalUtil := marshalutil.New(2 + marshalutil.Uint32Size + marshalutil.Int64Size + marshalutil.Uint16Size + marshalutil.Uint32Size + len(p.Payload))
	marshalUtil.WriteByte(byte(p.Type))
	marshalUtil.WriteByte(flags)
	marshalUtil.WriteUint32(p.Sequence)
	marshalUtil.WriteInt64(p.ID)
	marshalUtil.WriteUint16(uint16(p.Key))
	marshalUtil.WriteUint32(uint32(len(p.Payload)))
	marshalUtil.WriteBytes(p.Payload)

	return marshalUtil.Bytes()
}

// FromBytes parses the wire form of a packet. Trailing bytes are an error.
func FromBytes(data []byte) (*Packet, error) {
	marshalUtil := marshalutil.New(data)

	result, err := Parse(marshalUtil)
	if err != nil {
		return nil, err
	}
	if marshalUtil.ReadOffset() != len(data) {
		return nil, errors.Wrapf(ErrInvalidPacket, "%d trailing bytes", len(data)-marshalUtil.ReadOffset())
	}

	return result, nil
}

// Parse unmarshals a packet using the given marshalUtil.
func Parse(marshalUtil *marshalutil.MarshalUtil) (*Packet, error) {
	kind, err := marshalUtil.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse packet type")
	}
	if Type(kind) >= typeCount {
		return nil, errors.Wrapf(ErrInvalidPacket, "unsupported packet type %d", kind)
	}

	flags, err := marshalUtil.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse flags")
	}

	result := &Packet{
		Type:     Type(kind),
		Reliable: flags&flagReliable != 0,
	}

	if result.Sequence, err = marshalUtil.ReadUint32(); err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse sequence")
	}
	if result.ID, err = marshalUtil.ReadInt64(); err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse id")
	}
	key, err := marshalUtil.ReadUint16()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse key")
	}
	result.Key = int16(key)

	payloadSize, err := marshalUtil.ReadUint32()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse payload size")
	}
	if payloadSize > MaxPayloadSize {
		return nil, errors.Wrapf(ErrInvalidPacket, "payload size %d exceeds maximum", payloadSize)
	}
	if result.Payload, err = marshalUtil.ReadBytes(int(payloadSize)); err != nil {
		return nil, errors.Wrap(ErrInvalidPacket, "failed to parse payload")
	}

	return result, nil
}
