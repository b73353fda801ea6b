package transformers

import "math"

// rmsNorm normalizes x by its root-mean-square and applies a learned scale centered on 1.0 (so 0.0 has no effect).
// The result is written to out, which must have the same length as x.
func rmsNorm(x, scale, out []float32) {
	var sumSquares float64
	for _, v := range x {
		sumSquares += float64(v) * float64(v)
	}
	const epsilon = 1e-6
	inv := 1.0 / math.Sqrt(sumSquares/float64(len(x))+epsilon)
	for ii, v := range x {
		out[ii] = float32(float64(v) * inv * (1.0 + float64(scale[ii])))
	}
}

// applyRoPE applies the rotary position embedding to x (one head), in place.
// The first and second halves of x are rotated as pairs, as in Gemma.
func applyRoPE(x []float32, position int, baseFrequency float64) {
	half := len(x) / 2
	for ii := range half {
		timescale := math.Pow(baseFrequency, 2*float64(ii)/float64(len(x)))
		sin, cos := math.Sincos(float64(position) / timescale)
		first, second := float64(x[ii]), float64(x[ii+half])
		x[ii] = float32(first*cos - second*sin)
		x[ii+half] = float32(second*cos + first*sin)
	}
}

// softCap limits x to (-capValue, capValue) with tanh. A capValue <= 0 disables it.
func softCap(x, capValue float64) float64 {
	if capValue <= 0 {
		return x
	}
	return math.Tanh(x/capValue) * capValue
}

// project computes out[o] = sum_i x[i] * w[i*stride + offset + o], for o in range(len(out)).
// It's the host equivalent of the einsum projections, with w laid out row-major.
func project(x []float32, w []float32, offset, stride int, out []float32) {
	for o := range out {
		out[o] = 0
	}
	for ii, xv := range x {
		if xv == 0 {
			continue
		}
		row := w[ii*stride+offset : ii*stride+offset+len(out)]
		for o, wv := range row {
			out[o] += xv * wv
		}
	}
}
