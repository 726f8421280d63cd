package plume

import "math"

// DefaultTruncate is the kernel half-width in standard deviations
const DefaultTruncate = 4.0

// gaussianKernel returns a normalized 1-D kernel of radius int(truncate*sigma+0.5)
func gaussianKernel(sigma, truncate float64) []float64 {
	radius := int(truncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// reflectIndex mirrors i into [0, n) with the edge sample repeated
// (d c b a | a b c d | d c b a)
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// GaussianFilter3D smooths a field laid out as Grid.Index describes by
// applying a separable Gaussian along each axis in turn. Boundaries reflect.
// A non-positive sigma returns a copy.
func GaussianFilter3D(values []float64, nx, ny, nz int, sigma float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	if sigma <= 0 || len(values) == 0 {
		return out
	}

	kernel := gaussianKernel(sigma, DefaultTruncate)
	radius := len(kernel) / 2

	dims := [3]int{nx, ny, nz}
	strides := [3]int{ny * nz, nz, 1}
	line := make([]float64, 0, max(nx, ny, nz))

	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		stride := strides[axis]
		if n == 0 {
			continue
		}
		next := make([]float64, len(out))

		// Visit every line parallel to axis once via its first cell
		for start := range out {
			if (start/stride)%n != 0 {
				continue
			}
			line = line[:0]
			for p := 0; p < n; p++ {
				line = append(line, out[start+p*stride])
			}
			for p := 0; p < n; p++ {
				var acc float64
				for o := -radius; o <= radius; o++ {
					acc += kernel[o+radius] * line[reflectIndex(p+o, n)]
				}
				next[start+p*stride] = acc
			}
		}
		out = next
	}
	return out
}
