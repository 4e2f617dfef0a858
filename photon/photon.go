// Package photon implements the online filter used in compressed mode:
// per-pixel pedestal tracking, optional common-mode subtraction, and
// single-photon classification with fixed-size clusters.
package photon

import (
	"fmt"
	"io"
	"sort"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// EventType classifies one pixel in one frame.
type EventType int

// Pixel classifications
const (
	Undefined EventType = iota - 1
	Pedestal
	Neighbour
	Photon
	PhotonMax
	NegativePedestal
)

func (e EventType) String() string {
	switch e {
	case Pedestal:
		return "PEDESTAL"
	case Neighbour:
		return "NEIGHBOUR"
	case Photon:
		return "PHOTON"
	case PhotonMax:
		return "PHOTON_MAX"
	case NegativePedestal:
		return "NEGATIVE_PEDESTAL"
	}
	return "UNDEFINED_EVENT"
}

// Config holds the filter parameters.
type Config struct {
	NX, NY            int
	NSigma            float64 // threshold in units of pedestal RMS
	ClusterSize       int     // odd edge length of the square cluster
	CommonMode        bool
	CommonModeRegions int // number of equal-width column groups sharing a common mode
	PedestalWindow    int // frames in the moving pedestal average
	PedestalFrames    int // frames used only for pedestal before photons are reported
}

// DefaultConfig returns the parameters used for a sensor of nx by ny pixels.
// Two-dimensional sensors use 3x3 clusters and four common-mode regions.
func DefaultConfig(nx, ny int, commonMode bool) Config {
	cfg := Config{
		NX:                nx,
		NY:                ny,
		NSigma:            5,
		ClusterSize:       1,
		CommonMode:        commonMode,
		CommonModeRegions: 1,
		PedestalWindow:    1000,
		PedestalFrames:    1000,
	}
	if ny > 1 {
		cfg.ClusterSize = 3
		cfg.CommonModeRegions = 4
	}
	return cfg
}

// Cluster is one photon hit: the pixel holding the local maximum plus the
// pedestal-subtracted values of the ClusterSize x ClusterSize square around it.
type Cluster struct {
	FrameIndex uint64
	X, Y       int16
	Values     []float32
}

// Detector is a single-photon detector for one writer. It is not safe for
// concurrent use; each writer owns its own.
type Detector struct {
	cfg        Config
	pedestal   *PedestalMap
	raw        []float64
	cm         []float64
	cmScratch  [][]float64
	nframes    int
	halfWidth  int
	regionCols int
	scratch    []float64
	minSamples int
}

// New creates a Detector with an empty pedestal.
func New(cfg Config) (*Detector, error) {
	if cfg.NX <= 0 || cfg.NY <= 0 {
		return nil, fmt.Errorf("photon detector needs positive size, have %dx%d", cfg.NX, cfg.NY)
	}
	if cfg.ClusterSize < 1 || cfg.ClusterSize%2 == 0 {
		return nil, fmt.Errorf("cluster size %d must be odd and positive", cfg.ClusterSize)
	}
	if cfg.NSigma <= 0 {
		return nil, fmt.Errorf("threshold %v sigma must be positive", cfg.NSigma)
	}
	if cfg.PedestalWindow < 1 {
		cfg.PedestalWindow = 1
	}
	if cfg.CommonModeRegions < 1 || cfg.CommonModeRegions > cfg.NX {
		cfg.CommonModeRegions = 1
	}
	d := &Detector{
		cfg:        cfg,
		pedestal:   NewPedestalMap(cfg.NX, cfg.NY, cfg.PedestalWindow),
		raw:        make([]float64, cfg.NX*cfg.NY),
		cm:         make([]float64, cfg.CommonModeRegions),
		cmScratch:  make([][]float64, cfg.CommonModeRegions),
		halfWidth:  cfg.ClusterSize / 2,
		regionCols: (cfg.NX + cfg.CommonModeRegions - 1) / cfg.CommonModeRegions,
		scratch:    make([]float64, cfg.ClusterSize*cfg.ClusterSize),
		minSamples: min(10, cfg.PedestalWindow),
	}
	return d, nil
}

// Config returns the detector's parameters.
func (d *Detector) Config() Config { return d.cfg }

// Frames returns the number of frames seen.
func (d *Detector) Frames() int { return d.nframes }

// Ready reports whether the pedestal-only warm-up is over.
func (d *Detector) Ready() bool { return d.nframes > d.cfg.PedestalFrames }

// Pedestal returns the pedestal map.
func (d *Detector) Pedestal() *PedestalMap { return d.pedestal }

// NewFrame loads the raw ADC values of a frame (row-major, NX*NY values) and
// computes its common mode.
func (d *Detector) NewFrame(raw []uint16) error {
	if len(raw) != len(d.raw) {
		return fmt.Errorf("frame has %d pixels, want %d", len(raw), len(d.raw))
	}
	for i, v := range raw {
		d.raw[i] = float64(v)
	}
	for i := range d.cm {
		d.cm[i] = 0
	}
	if d.cfg.CommonMode && d.nframes > 0 {
		d.computeCommonMode()
	}
	return nil
}

// computeCommonMode sets each region's common mode to the median
// pedestal-subtracted value of its pixels. The median ignores the few pixels
// hit by photons.
func (d *Detector) computeCommonMode() {
	for r := range d.cmScratch {
		d.cmScratch[r] = d.cmScratch[r][:0]
	}
	for iy := 0; iy < d.cfg.NY; iy++ {
		for ix := 0; ix < d.cfg.NX; ix++ {
			r := ix / d.regionCols
			d.cmScratch[r] = append(d.cmScratch[r], d.raw[iy*d.cfg.NX+ix]-d.pedestal.Mean(ix, iy))
		}
	}
	for r, vals := range d.cmScratch {
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		d.cm[r] = stat.Quantile(0.5, stat.Empirical, vals, nil)
	}
}

// CommonMode returns the common mode of the region containing column ix.
func (d *Detector) CommonMode(ix int) float64 {
	return d.cm[ix/d.regionCols]
}

// Value returns the pedestal- and common-mode-subtracted value of pixel (ix, iy).
func (d *Detector) Value(ix, iy int) float64 {
	return d.raw[iy*d.cfg.NX+ix] - d.pedestal.Mean(ix, iy) - d.CommonMode(ix)
}

// Classify returns the event type of pixel (ix, iy) in the current frame.
// Pixels classified as pedestal update the pedestal map.
func (d *Detector) Classify(ix, iy int) EventType {
	if ix < 0 || iy < 0 || ix >= d.cfg.NX || iy >= d.cfg.NY {
		return Undefined
	}
	sigma := d.pedestal.RMS(ix, iy)
	if d.pedestal.Samples(ix, iy) < d.minSamples || sigma == 0 {
		// Not enough history to judge: everything counts as pedestal.
		d.pedestal.Add(ix, iy, d.raw[iy*d.cfg.NX+ix]-d.CommonMode(ix))
		return Pedestal
	}

	v := d.Value(ix, iy)
	threshold := d.cfg.NSigma * sigma
	values := d.neighbourhood(ix, iy)
	total := floats.Sum(values)

	switch {
	case v < -threshold:
		return NegativePedestal
	case v > threshold || total > threshold*float64(d.cfg.ClusterSize):
		if floats.Max(values) <= v {
			return PhotonMax
		}
		if v > threshold {
			return Photon
		}
		return Neighbour
	}
	d.pedestal.Add(ix, iy, d.raw[iy*d.cfg.NX+ix]-d.CommonMode(ix))
	return Pedestal
}

// neighbourhood fills the scratch buffer with the cluster around (ix, iy).
// Pixels off the sensor contribute zero.
func (d *Detector) neighbourhood(ix, iy int) []float64 {
	k := 0
	for dy := -d.halfWidth; dy <= d.halfWidth; dy++ {
		for dx := -d.halfWidth; dx <= d.halfWidth; dx++ {
			x, y := ix+dx, iy+dy
			if x < 0 || y < 0 || x >= d.cfg.NX || y >= d.cfg.NY {
				d.scratch[k] = 0
			} else {
				d.scratch[k] = d.Value(x, y)
			}
			k++
		}
	}
	return d.scratch
}

// ClusterAt builds the cluster record centred on (ix, iy).
func (d *Detector) ClusterAt(frameIndex uint64, ix, iy int) Cluster {
	values := d.neighbourhood(ix, iy)
	c := Cluster{FrameIndex: frameIndex, X: int16(ix), Y: int16(iy), Values: make([]float32, len(values))}
	for i, v := range values {
		c.Values[i] = float32(v)
	}
	return c
}

// ProcessFrame classifies every pixel of one frame. During the pedestal
// warm-up it only updates the pedestal and returns no clusters; afterwards it
// returns one cluster per PhotonMax pixel.
func (d *Detector) ProcessFrame(frameIndex uint64, raw []uint16) ([]Cluster, error) {
	if err := d.NewFrame(raw); err != nil {
		return nil, err
	}
	reporting := d.Ready()
	var clusters []Cluster
	for iy := 0; iy < d.cfg.NY; iy++ {
		for ix := 0; ix < d.cfg.NX; ix++ {
			if d.Classify(ix, iy) == PhotonMax && reporting {
				clusters = append(clusters, d.ClusterAt(frameIndex, ix, iy))
			}
		}
	}
	d.nframes++
	return clusters, nil
}

// NoiseSummary returns the mean and standard deviation of the per-pixel
// pedestal noise, for logging at the end of an acquisition.
func (d *Detector) NoiseSummary() (mean, std float64) {
	return stat.MeanStdDev(d.pedestal.RMSs(), nil)
}

// SavePedestal writes the pedestal means as a .npy array to w.
func (d *Detector) SavePedestal(w io.Writer) error {
	return npyio.Write(w, d.pedestal.Means())
}

// SaveNoise writes the pedestal RMS values as a .npy array to w.
func (d *Detector) SaveNoise(w io.Writer) error {
	return npyio.Write(w, d.pedestal.RMSs())
}
