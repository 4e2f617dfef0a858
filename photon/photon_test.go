package photon

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyFrame(r *rand.Rand, nx, ny int, level, sigma float64) []uint16 {
	f := make([]uint16, nx*ny)
	for i := range f {
		f[i] = uint16(math.Round(level + sigma*r.NormFloat64()))
	}
	return f
}

func smallConfig(commonMode bool) Config {
	cfg := DefaultConfig(8, 8, commonMode)
	cfg.PedestalWindow = 50
	cfg.PedestalFrames = 50
	return cfg
}

func TestMovingStat(t *testing.T) {
	var m movingStat
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m.add(x, 100)
	}
	assert.InDelta(t, 5.0, m.mean(), 1e-12)
	assert.InDelta(t, 2.0, m.rms(), 1e-12)

	// Once the window is full the average follows new data.
	var w movingStat
	for i := 0; i < 1000; i++ {
		w.add(10, 10)
	}
	for i := 0; i < 1000; i++ {
		w.add(20, 10)
	}
	assert.InDelta(t, 20.0, w.mean(), 1e-3)
	assert.Equal(t, 10, w.n)
}

func TestBadConfig(t *testing.T) {
	_, err := New(Config{NX: 0, NY: 1, NSigma: 5, ClusterSize: 1})
	assert.Error(t, err)
	_, err = New(Config{NX: 4, NY: 4, NSigma: 5, ClusterSize: 2})
	assert.Error(t, err)
	_, err = New(Config{NX: 4, NY: 4, NSigma: 0, ClusterSize: 1})
	assert.Error(t, err)
	d, err := New(smallConfig(false))
	require.NoError(t, err)
	assert.Error(t, d.NewFrame(make([]uint16, 10)))
	assert.Equal(t, Undefined, d.Classify(-1, 0))
}

func TestFindsPhoton(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	d, err := New(smallConfig(false))
	require.NoError(t, err)

	for i := 0; i <= 50; i++ {
		clusters, err := d.ProcessFrame(uint64(i), noisyFrame(r, 8, 8, 1000, 2))
		require.NoError(t, err)
		assert.Empty(t, clusters, "no clusters during pedestal warm-up")
	}
	require.True(t, d.Ready())
	assert.InDelta(t, 1000, d.Pedestal().Mean(3, 3), 2)
	mean, _ := d.NoiseSummary()
	assert.InDelta(t, 2, mean, 0.7)

	frame := noisyFrame(r, 8, 8, 1000, 2)
	frame[4*8+5] += 200
	frame[4*8+4] += 40
	clusters, err := d.ProcessFrame(99, frame)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, uint64(99), c.FrameIndex)
	assert.Equal(t, int16(5), c.X)
	assert.Equal(t, int16(4), c.Y)
	require.Len(t, c.Values, 9)
	assert.InDelta(t, 200, c.Values[4], 12)
	assert.InDelta(t, 40, c.Values[3], 12)
}

func TestCommonMode(t *testing.T) {
	for _, cm := range []bool{false, true} {
		r := rand.New(rand.NewSource(3))
		d, err := New(smallConfig(cm))
		require.NoError(t, err)
		for i := 0; i <= 50; i++ {
			d.ProcessFrame(uint64(i), noisyFrame(r, 8, 8, 500, 2))
		}
		// Every pixel shifts together: only common-mode subtraction hides it.
		clusters, err := d.ProcessFrame(100, noisyFrame(r, 8, 8, 530, 2))
		require.NoError(t, err)
		if cm {
			assert.Empty(t, clusters, "common-mode shift should not produce photons")
			assert.InDelta(t, 30, d.CommonMode(0), 3)
		} else {
			assert.NotEmpty(t, clusters, "without common-mode subtraction the shift looks like photons")
		}
	}
}

func TestEventTypeNames(t *testing.T) {
	assert.Equal(t, "PHOTON_MAX", PhotonMax.String())
	assert.Equal(t, "PEDESTAL", Pedestal.String())
	assert.Equal(t, "UNDEFINED_EVENT", Undefined.String())
}

func TestSavePedestal(t *testing.T) {
	d, err := New(smallConfig(false))
	require.NoError(t, err)
	d.ProcessFrame(0, make([]uint16, 64))
	var buf bytes.Buffer
	require.NoError(t, d.SavePedestal(&buf))
	// .npy magic string
	assert.Equal(t, "\x93NUMPY", buf.String()[:6])
	buf.Reset()
	require.NoError(t, d.SaveNoise(&buf))
	assert.Greater(t, buf.Len(), 64*8)
}
