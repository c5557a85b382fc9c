package audio

import (
	"fmt"
	"math"
)

// Resampler converts mono s16le sample streams between two rates. Integer
// ratios (8/16/48 kHz pairings) run a single windowed-sinc FIR low-pass so
// that downsampling to telephony rates keeps only the 300 to 3400 Hz voice band
// and upsampling rejects spectral images. Rational ratios with small factors
// (24 kHz provider output to 16 kHz, for example) chain an integer
// interpolation through the least common multiple rate and an integer
// decimation out of it.
//
// The filter keeps history across calls, so one Resampler serves exactly one
// stream. It is not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int
	factor  int  // rate ratio, always >= 1
	up      bool // true when dstRate > srcRate

	taps  []float64
	hist  []int16 // last len(taps)/factor-1 (up) or len(taps)-1 (down) inputs
	carry []int16 // inputs withheld until a full decimation step is available

	// stages replaces the single-filter fields for rational ratios.
	stages []*Resampler
}

// maxChainFactor bounds the per-stage ratio accepted for rational
// conversions.
const maxChainFactor = 8

// NewResampler builds a converter from srcRate to dstRate. The rates must be
// equal, related by an integer factor, or related by a rational factor small
// enough to chain (both reduced terms at most 8).
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", srcRate, dstRate)
	}
	r := &Resampler{srcRate: srcRate, dstRate: dstRate, factor: 1}
	switch {
	case srcRate == dstRate:
		return r, nil
	case srcRate > dstRate && srcRate%dstRate == 0:
		r.factor = srcRate / dstRate
		// Telephony output keeps the G.711 voice band; anything else gets a
		// conservative anti-alias margin below Nyquist.
		cutoff := 0.45 * float64(dstRate)
		if dstRate == 8000 {
			cutoff = 3400
		}
		r.taps = lowpassTaps(32*r.factor, cutoff, float64(srcRate), 1)
		r.hist = make([]int16, len(r.taps)-1)
	case dstRate > srcRate && dstRate%srcRate == 0:
		r.factor = dstRate / srcRate
		r.up = true
		cutoff := 0.45 * float64(srcRate)
		r.taps = lowpassTaps(32*r.factor, cutoff, float64(dstRate), float64(r.factor))
		r.hist = make([]int16, len(r.taps)/r.factor-1)
	default:
		g := gcd(srcRate, dstRate)
		l, m := dstRate/g, srcRate/g
		if l > maxChainFactor || m > maxChainFactor {
			return nil, fmt.Errorf("unsupported resample ratio %d -> %d", srcRate, dstRate)
		}
		mid := srcRate * l
		upStage, err := NewResampler(srcRate, mid)
		if err != nil {
			return nil, err
		}
		downStage, err := NewResampler(mid, dstRate)
		if err != nil {
			return nil, err
		}
		r.stages = []*Resampler{upStage, downStage}
	}
	return r, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SrcRate returns the input sample rate.
func (r *Resampler) SrcRate() int { return r.srcRate }

// DstRate returns the output sample rate.
func (r *Resampler) DstRate() int { return r.dstRate }

// Reset drops all filter history, as after a stream gap or flush.
func (r *Resampler) Reset() {
	for _, s := range r.stages {
		s.Reset()
	}
	for i := range r.hist {
		r.hist[i] = 0
	}
	r.carry = r.carry[:0]
}

// Process converts a block of input samples, returning the converted block.
// Output length is len(in)*dst/src once the input length aligns with the
// conversion factor; a trailing remainder is carried into the next call.
func (r *Resampler) Process(in []int16) []int16 {
	if len(r.stages) > 0 {
		out := in
		for _, s := range r.stages {
			out = s.Process(out)
		}
		return out
	}
	if r.factor == 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if r.up {
		return r.interpolate(in)
	}
	return r.decimate(in)
}

func (r *Resampler) decimate(in []int16) []int16 {
	m := r.factor
	if len(r.carry) > 0 {
		in = append(append([]int16{}, r.carry...), in...)
		r.carry = r.carry[:0]
	}
	usable := len(in) / m * m
	if rem := len(in) - usable; rem > 0 {
		r.carry = append(r.carry, in[usable:]...)
		in = in[:usable]
	}
	if len(in) == 0 {
		return nil
	}

	t := len(r.taps)
	buf := make([]int16, len(r.hist)+len(in))
	copy(buf, r.hist)
	copy(buf[len(r.hist):], in)

	out := make([]int16, 0, len(in)/m)
	for j := 0; j < len(in)/m; j++ {
		base := j*m + t - 1
		var acc float64
		for k, h := range r.taps {
			acc += h * float64(buf[base-k])
		}
		out = append(out, clampSample(acc))
	}
	copy(r.hist, buf[len(buf)-len(r.hist):])
	return out
}

func (r *Resampler) interpolate(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	l := r.factor
	perPhase := len(r.taps) / l
	buf := make([]int16, len(r.hist)+len(in))
	copy(buf, r.hist)
	copy(buf[len(r.hist):], in)

	out := make([]int16, 0, len(in)*l)
	for j := 0; j < len(in); j++ {
		base := len(r.hist) + j
		for p := 0; p < l; p++ {
			var acc float64
			for k := 0; k < perPhase; k++ {
				acc += r.taps[k*l+p] * float64(buf[base-k])
			}
			out = append(out, clampSample(acc))
		}
	}
	copy(r.hist, buf[len(buf)-len(r.hist):])
	return out
}

// lowpassTaps designs a Hamming-windowed sinc FIR with the given cutoff at
// the given filter rate, normalised to the given DC gain.
func lowpassTaps(n int, cutoff, rate, gain float64) []float64 {
	h := make([]float64, n)
	fc := cutoff / rate
	mid := float64(n-1) / 2
	var sum float64
	for i := range h {
		x := float64(i) - mid
		var s float64
		if x == 0 {
			s = 2 * math.Pi * fc
		} else {
			s = math.Sin(2*math.Pi*fc*x) / x
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		h[i] = s * w
		sum += h[i]
	}
	for i := range h {
		h[i] *= gain / sum
	}
	return h
}

func clampSample(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
