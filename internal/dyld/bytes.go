package dyld

import "encoding/binary"

// Instructions are little-endian on AArch64 even for big-endian data.
func (d *Dyld) insnOrder() binary.ByteOrder {
	if d.arch.IsAArch64() {
		return binary.LittleEndian
	}
	return d.order
}

func (d *Dyld) readInsn(b []byte) uint32 {
	return d.insnOrder().Uint32(b)
}

func (d *Dyld) writeInsn(b []byte, v uint32) {
	d.insnOrder().PutUint32(b, v)
}

func (d *Dyld) put16(b []byte, v uint16) { d.order.PutUint16(b, v) }
func (d *Dyld) put32(b []byte, v uint32) { d.order.PutUint32(b, v) }
func (d *Dyld) put64(b []byte, v uint64) { d.order.PutUint64(b, v) }

func (d *Dyld) get16(b []byte) uint16 { return d.order.Uint16(b) }
func (d *Dyld) get32(b []byte) uint32 { return d.order.Uint32(b) }
func (d *Dyld) get64(b []byte) uint64 { return d.order.Uint64(b) }

// putPointer writes an address with the width of the target
func (d *Dyld) putPointer(b []byte, v uint64) {
	if d.arch.PointerSize() == 4 {
		d.put32(b, uint32(v))
		return
	}
	d.put64(b, v)
}

func isInt(v int64, bits uint) bool {
	min := int64(-1) << (bits - 1)
	max := int64(1)<<(bits-1) - 1
	return v >= min && v <= max
}

func isUint(v uint64, bits uint) bool {
	return bits >= 64 || v < uint64(1)<<bits
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
