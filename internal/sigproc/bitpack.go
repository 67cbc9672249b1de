package sigproc

import (
	"encoding/binary"
	"math"
)

// Pack packs values into bytes, nbits (1, 2 or 4) per value, first value in
// the most significant bits. A trailing partial byte is zero padded.
func Pack(values []uint8, nbits int) []byte {
	p := packer{nbits: nbits}
	out := p.pack(nil, values)
	return p.flush(out)
}

// Unpack extracts n values of nbits each, starting bitOffset bits into data.
func Unpack(data []byte, nbits int, bitOffset int64, n int) []uint8 {
	out := make([]uint8, n)
	mask := uint8(1<<nbits - 1)
	pos := bitOffset
	for i := range out {
		b := data[pos/8]
		shift := 8 - nbits - int(pos%8)
		out[i] = (b >> shift) & mask
		pos += int64(nbits)
	}
	return out
}

// packer carries a partially filled byte between calls so a stream of
// appends packs exactly like one large batch.
type packer struct {
	nbits int
	cur   byte
	used  int // bits of cur already filled
}

func (p *packer) pack(dst []byte, values []uint8) []byte {
	mask := uint8(1<<p.nbits - 1)
	for _, v := range values {
		p.cur |= (v & mask) << (8 - p.nbits - p.used)
		p.used += p.nbits
		if p.used == 8 {
			dst = append(dst, p.cur)
			p.cur, p.used = 0, 0
		}
	}
	return dst
}

// flush emits the pending partial byte, if any.
func (p *packer) flush(dst []byte) []byte {
	if p.used > 0 {
		dst = append(dst, p.cur)
		p.cur, p.used = 0, 0
	}
	return dst
}

// pending reports whether a partial byte is waiting for more samples.
func (p *packer) pending() bool {
	return p.used > 0
}

// clamp casts v to an unsigned integer in [0, limit], truncating toward zero.
func clamp(v, limit float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > limit:
		return limit
	}
	return math.Trunc(v)
}

// clampSigned casts v to a two's complement integer of nbits, truncating
// toward zero.
func clampSigned(v float64, nbits int) float64 {
	hi := float64(int64(1)<<(nbits-1) - 1)
	switch {
	case math.IsNaN(v):
		return 0
	case v < -hi-1:
		return -hi - 1
	case v > hi:
		return hi
	}
	return math.Trunc(v)
}

// encodeSamples appends data in the filterbank representation of nbits.
// Sub-byte depths go through p so packing continues across calls.
// signed selects two's complement for 8 and 16-bit samples.
func encodeSamples(dst []byte, data []float64, nbits int, signed bool, p *packer) []byte {
	switch nbits {
	case 1, 2, 4:
		limit := float64(int(1)<<nbits - 1)
		vals := make([]uint8, len(data))
		for i, v := range data {
			vals[i] = uint8(clamp(v, limit))
		}
		return p.pack(dst, vals)
	case 8:
		for _, v := range data {
			if signed {
				dst = append(dst, uint8(int8(clampSigned(v, 8))))
				continue
			}
			dst = append(dst, uint8(clamp(v, math.MaxUint8)))
		}
	case 16:
		for _, v := range data {
			if signed {
				dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(clampSigned(v, 16))))
				continue
			}
			dst = binary.LittleEndian.AppendUint16(dst, uint16(clamp(v, math.MaxUint16)))
		}
	case 32:
		for _, v := range data {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v)))
		}
	}
	return dst
}

// decodeSamples converts n samples of buf after skipping the first skip.
func decodeSamples(buf []byte, nbits int, skip int64, n int) []float64 {
	out := make([]float64, n)
	switch nbits {
	case 1, 2, 4:
		for i, v := range Unpack(buf, nbits, skip*int64(nbits), n) {
			out[i] = float64(v)
		}
	case 8:
		for i := range out {
			out[i] = float64(buf[skip+int64(i)])
		}
	case 16:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint16(buf[(skip+int64(i))*2:]))
		}
	case 32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[(skip+int64(i))*4:])))
		}
	}
	return out
}

// toSigned reinterprets unsigned 8 or 16-bit values as two's complement.
func toSigned(data []float64, nbits int) {
	for i, v := range data {
		if nbits == 16 {
			data[i] = float64(int16(uint16(v)))
		} else {
			data[i] = float64(int8(uint8(v)))
		}
	}
}

// signedDepth reports whether nbits can carry the signed flag.
func signedDepth(nbits int) bool {
	return nbits == 8 || nbits == 16
}
