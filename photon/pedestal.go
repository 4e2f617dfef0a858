package photon

import (
	"math"
)

// movingStat tracks a moving-window mean and variance of one pixel's
// pedestal. Until the window is full it is a plain running average; after
// that each new sample replaces one window's worth of the old average.
type movingStat struct {
	n    int
	sum  float64
	sum2 float64
}

func (m *movingStat) add(x float64, window int) {
	if m.n < window {
		m.n++
		m.sum += x
		m.sum2 += x * x
		return
	}
	w := float64(window)
	m.sum += x - m.sum/w
	m.sum2 += x*x - m.sum2/w
}

func (m *movingStat) mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func (m *movingStat) rms() float64 {
	if m.n == 0 {
		return 0
	}
	mu := m.mean()
	v := m.sum2/float64(m.n) - mu*mu
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// PedestalMap holds one movingStat per pixel.
type PedestalMap struct {
	nx, ny int
	window int
	stats  []movingStat
}

// NewPedestalMap returns an empty map for an nx by ny sensor.
func NewPedestalMap(nx, ny, window int) *PedestalMap {
	return &PedestalMap{nx: nx, ny: ny, window: window, stats: make([]movingStat, nx*ny)}
}

// Add folds a new pedestal sample into pixel (ix, iy).
func (p *PedestalMap) Add(ix, iy int, x float64) {
	p.stats[iy*p.nx+ix].add(x, p.window)
}

// Mean returns the pedestal of pixel (ix, iy).
func (p *PedestalMap) Mean(ix, iy int) float64 {
	return p.stats[iy*p.nx+ix].mean()
}

// RMS returns the pedestal noise of pixel (ix, iy).
func (p *PedestalMap) RMS(ix, iy int) float64 {
	return p.stats[iy*p.nx+ix].rms()
}

// Samples returns how many samples pixel (ix, iy) has seen, capped at the window.
func (p *PedestalMap) Samples(ix, iy int) int {
	return p.stats[iy*p.nx+ix].n
}

// Means returns all pedestals in row-major order.
func (p *PedestalMap) Means() []float64 {
	out := make([]float64, len(p.stats))
	for i := range p.stats {
		out[i] = p.stats[i].mean()
	}
	return out
}

// RMSs returns all pedestal noise values in row-major order.
func (p *PedestalMap) RMSs() []float64 {
	out := make([]float64, len(p.stats))
	for i := range p.stats {
		out[i] = p.stats[i].rms()
	}
	return out
}
