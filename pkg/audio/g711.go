package audio

// ITU-T G.711 companding. Both laws quantise 16-bit linear PCM into eight
// logarithmic segments of sixteen steps each; decoding expands the segment
// and step back to the segment midpoint, so decode(encode(x)) is exact only
// up to the step size of x's segment.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawSegEnd = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

var mulawDecodeTable = buildMulawTable()
var alawDecodeTable = buildAlawTable()

func buildMulawTable() [256]int16 {
	var t [256]int16
	for i := range t {
		u := ^byte(i)
		v := int32(u&0x0F)<<3 + mulawBias
		v <<= (u >> 4) & 0x07
		if u&0x80 != 0 {
			t[i] = int16(mulawBias - v)
		} else {
			t[i] = int16(v - mulawBias)
		}
	}
	return t
}

func buildAlawTable() [256]int16 {
	var t [256]int16
	for i := range t {
		a := byte(i) ^ 0x55
		v := int32(a&0x0F) << 4
		switch seg := (a >> 4) & 0x07; seg {
		case 0:
			v += 8
		case 1:
			v += 0x108
		default:
			v += 0x108
			v <<= seg - 1
		}
		if a&0x80 != 0 {
			t[i] = int16(v)
		} else {
			t[i] = int16(-v)
		}
	}
	return t
}

// MulawEncodeSample compands one linear sample to G.711 mu-law.
func MulawEncodeSample(pcm int16) byte {
	v := int32(pcm)
	var mask byte
	if v < 0 {
		v = -v
		mask = 0x7F
	} else {
		mask = 0xFF
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	seg := 0
	for seg < 8 && v > mulawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	u := byte(seg)<<4 | byte(v>>(uint(seg)+3))&0x0F
	return u ^ mask
}

// MulawDecodeSample expands one G.711 mu-law sample to linear PCM.
func MulawDecodeSample(b byte) int16 {
	return mulawDecodeTable[b]
}

// AlawEncodeSample compands one linear sample to G.711 A-law.
func AlawEncodeSample(pcm int16) byte {
	v := int32(pcm)
	var mask byte
	if v >= 0 {
		mask = 0xD5
	} else {
		mask = 0x55
		v = -v - 1
	}
	// A-law works on 13-bit magnitudes.
	v >>= 3
	seg := 0
	for seg < 8 && v > alawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	a := byte(seg) << 4
	if seg < 2 {
		a |= byte(v>>1) & 0x0F
	} else {
		a |= byte(v>>uint(seg)) & 0x0F
	}
	return a ^ mask
}

// AlawDecodeSample expands one G.711 A-law sample to linear PCM.
func AlawDecodeSample(b byte) int16 {
	return alawDecodeTable[b]
}

// MulawEncode compands a block of linear samples.
func MulawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// MulawDecode expands a block of mu-law bytes.
func MulawDecode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawDecodeTable[b]
	}
	return out
}

// AlawEncode compands a block of linear samples.
func AlawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = AlawEncodeSample(s)
	}
	return out
}

// AlawDecode expands a block of A-law bytes.
func AlawDecode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = alawDecodeTable[b]
	}
	return out
}
