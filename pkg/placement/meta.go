package placement

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// Node metadata fields, gossiped with every machine.
const (
	metaCapacity protowire.Number = 1
	metaAddr     protowire.Number = 2
	metaFeature  protowire.Number = 3
)

func marshalMeta(spec MachineSpec) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, metaCapacity, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(spec.Capacity))
	buf = protowire.AppendTag(buf, metaAddr, protowire.BytesType)
	buf = protowire.AppendBytes(buf, spec.Addr.AsSlice())
	for _, feature := range spec.Features {
		buf = protowire.AppendTag(buf, metaFeature, protowire.BytesType)
		buf = protowire.AppendString(buf, feature)
	}
	return buf
}

// unmarshalMeta skips unknown fields so that newer daemons can gossip
// more.
func unmarshalMeta(name string, buf []byte) (spec MachineSpec, err error) {
	spec.Name = name
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return spec, fmt.Errorf("%w: %w", ErrInvalidMeta, err)
		}
		buf = buf[n:]

		switch {
		case num == metaCapacity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return spec, fmt.Errorf("%w: capacity: %w", ErrInvalidMeta, err)
			}
			spec.Capacity = int(v)
			buf = buf[n:]
		case num == metaAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(n); err != nil {
				return spec, fmt.Errorf("%w: address: %w", ErrInvalidMeta, err)
			}
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return spec, fmt.Errorf("%w: address of %d bytes", ErrInvalidMeta, len(v))
			}
			spec.Addr = addr.Unmap()
			buf = buf[n:]
		case num == metaFeature && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if err := protowire.ParseError(n); err != nil {
				return spec, fmt.Errorf("%w: feature: %w", ErrInvalidMeta, err)
			}
			spec.Features = append(spec.Features, v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return spec, fmt.Errorf("%w: field %d: %w", ErrInvalidMeta, num, err)
			}
			buf = buf[n:]
		}
	}
	return spec, nil
}
