package slsrecv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/usnistgov/slsrecv/packets"
)

// DiscardPolicy says what the writers do with incomplete data.
type DiscardPolicy int

// Possible DiscardPolicy values
const (
	NoDiscard      DiscardPolicy = iota // write everything received
	DiscardEmpty                        // skip slots holding no packets
	DiscardPartial                      // skip frames missing any packet
)

var discardNames = [...]string{"nodiscard", "discardempty", "discardpartial"}

func (p DiscardPolicy) String() string {
	if p < 0 || int(p) >= len(discardNames) {
		return fmt.Sprintf("DiscardPolicy(%d)", int(p))
	}
	return discardNames[p]
}

// ParseDiscardPolicy converts a policy name (case-insensitive) to a DiscardPolicy.
func ParseDiscardPolicy(name string) (DiscardPolicy, error) {
	for i, n := range discardNames {
		if strings.EqualFold(name, n) {
			return DiscardPolicy(i), nil
		}
	}
	return NoDiscard, configError("discard policy", name, "want one of %v", discardNames)
}

// ReceiverConfig holds every persistent receiver setting. It is stored under
// the "receiver" key of the config file.
type ReceiverConfig struct {
	Detector           string
	ShortFrame         bool
	TenGiga            bool
	UDPPort            int
	Interface          string
	SocketBuffer       int
	Frames             int64
	Triggers           int64
	Bursts             int64
	AcquisitionTime    time.Duration
	AcquisitionPeriod  time.Duration
	DynamicRange       int
	FramesPerFile      int
	FilePath           string
	FileName           string
	FileIndex          int
	FileWrite          bool
	Overwrite          bool
	FrameIndexEnable   bool
	DataStream         bool
	StreamingFrequency int
	StreamingTimer     time.Duration
	DiscardPolicy      string
	Padding            bool
	DataCompression    bool
	CommonMode         bool
}

// change runs f with the control lock held, provided the receiver is idle.
func (r *Receiver) change(f func() error) error {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	if err := r.requireIdle(); err != nil {
		return err
	}
	return f()
}

// Config returns the current settings.
func (r *Receiver) Config() ReceiverConfig {
	r.controlLock.Lock()
	defer r.controlLock.Unlock()
	return ReceiverConfig{
		Detector:           r.detector.String(),
		ShortFrame:         r.opts.ShortFrame,
		TenGiga:            r.opts.TenGiga,
		UDPPort:            r.udpPort,
		Interface:          r.iface,
		SocketBuffer:       r.socketBuffer,
		Frames:             r.numFrames,
		Triggers:           r.numTriggers,
		Bursts:             r.numBursts,
		AcquisitionTime:    r.acquisitionTime,
		AcquisitionPeriod:  r.acquisitionPeriod,
		DynamicRange:       r.dynamicRange,
		FramesPerFile:      r.framesPerFile,
		FilePath:           r.filePath,
		FileName:           r.fileName,
		FileIndex:          r.fileIndex,
		FileWrite:          r.fileWrite,
		Overwrite:          r.overwrite,
		FrameIndexEnable:   r.frameIndexEnable,
		DataStream:         r.dataStream,
		StreamingFrequency: r.streamingFrequency,
		StreamingTimer:     r.streamingTimer,
		DiscardPolicy:      r.discardPolicy.String(),
		Padding:            r.padding,
		DataCompression:    r.dataCompression,
		CommonMode:         r.commonMode,
	}
}

// Configure applies every setting of cfg in turn. It stops at the first
// invalid value; settings applied before it are kept.
func (r *Receiver) Configure(cfg ReceiverConfig) error {
	return r.change(func() error {
		det, err := packets.ParseDetectorType(cfg.Detector)
		if err != nil {
			return configError("detector type", cfg.Detector, "%v", err)
		}
		policy, err := ParseDiscardPolicy(cfg.DiscardPolicy)
		if err != nil {
			return err
		}
		if err := r.applyGeometry(det, packets.Options{ShortFrame: cfg.ShortFrame, TenGiga: cfg.TenGiga}); err != nil {
			return err
		}
		steps := []func() error{
			func() error { return r.applyUDPPort(cfg.UDPPort) },
			func() error { r.iface = normalizeInterface(cfg.Interface); return nil },
			func() error { return r.applySocketBuffer(cfg.SocketBuffer) },
			func() error { return r.applyFrames(cfg.Frames) },
			func() error { return r.applyTriggers(cfg.Triggers) },
			func() error { return r.applyBursts(cfg.Bursts) },
			func() error { return r.applyAcquisitionTime(cfg.AcquisitionTime) },
			func() error { return r.applyDynamicRange(cfg.DynamicRange) },
			func() error { return r.applyFramesPerFile(cfg.FramesPerFile) },
			func() error { return r.applyFilePath(cfg.FilePath) },
			func() error { return r.applyFileName(cfg.FileName) },
			func() error { return r.applyFileIndex(cfg.FileIndex) },
			func() error { return r.applyStreamingTimer(cfg.StreamingTimer) },
			func() error { return r.applyDataCompression(cfg.DataCompression) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		r.fileWrite = cfg.FileWrite
		r.overwrite = cfg.Overwrite
		r.frameIndexEnable = cfg.FrameIndexEnable
		r.dataStream = cfg.DataStream
		r.discardPolicy = policy
		r.padding = cfg.Padding
		r.commonMode = cfg.CommonMode
		if cfg.AcquisitionPeriod < 0 {
			return configError("acquisition period", cfg.AcquisitionPeriod, "must not be negative")
		}
		if cfg.StreamingFrequency < 0 {
			return configError("streaming frequency", cfg.StreamingFrequency, "must not be negative")
		}
		r.acquisitionPeriod = cfg.AcquisitionPeriod
		r.streamingFrequency = cfg.StreamingFrequency
		return r.resize(false)
	})
}

func (r *Receiver) applyGeometry(det packets.DetectorType, opts packets.Options) error {
	if opts.ShortFrame && det != packets.Gotthard {
		return configError("short frame", opts.ShortFrame, "only Gotthard has a short-frame mode")
	}
	if opts.TenGiga && det != packets.Eiger && det != packets.Moench {
		return configError("ten giga", opts.TenGiga, "only Eiger and Moench have a 10 GbE link")
	}
	if r.dataCompression && det == packets.Eiger {
		return configError("detector type", det, "filtering is not available for Eiger")
	}
	geom, err := packets.ForDetector(det, opts)
	if err != nil {
		return configError("detector type", det, "%v", err)
	}
	changed := det != r.detector || geom.Name() != r.geom.Name()
	r.detector = det
	r.opts = opts
	r.geom = geom
	if changed {
		r.framesPerFile = geom.MaxFramesPerFile()
		r.maxPacketsPerFile = r.framesPerFile * geom.PacketsPerFrame()
		if det != packets.Eiger {
			r.dynamicRange = 16
		}
		UpdateLogger.Printf("Detector set to %s: %d packets of %d bytes per frame",
			geom.Name(), geom.PacketsPerFrame(), geom.OnePacketSize())
	}
	return r.resize(changed)
}

func (r *Receiver) applyUDPPort(port int) error {
	if port <= 0 || port > 65535 {
		return configError("UDP port", port, "must be in [1, 65535]")
	}
	r.udpPort = port
	return nil
}

func (r *Receiver) applySocketBuffer(size int) error {
	if size < 0 {
		return configError("socket buffer size", size, "must not be negative")
	}
	r.socketBuffer = size
	return nil
}

func (r *Receiver) applyFrames(n int64) error {
	if n < 0 {
		return configError("number of frames", n, "must not be negative (0 runs until stopped)")
	}
	r.numFrames = n
	return nil
}

func (r *Receiver) applyTriggers(n int64) error {
	if n <= 0 {
		return configError("number of triggers", n, "must be positive")
	}
	r.numTriggers = n
	return nil
}

func (r *Receiver) applyBursts(n int64) error {
	if n <= 0 {
		return configError("number of bursts", n, "must be positive")
	}
	r.numBursts = n
	return nil
}

func (r *Receiver) applyAcquisitionTime(t time.Duration) error {
	if t < 0 {
		return configError("acquisition time", t, "must not be negative")
	}
	r.acquisitionTime = t
	return nil
}

func (r *Receiver) applyDynamicRange(dr int) error {
	valid := []int{16}
	if r.detector == packets.Eiger {
		valid = []int{4, 8, 16, 32}
	}
	for _, v := range valid {
		if dr == v {
			r.dynamicRange = dr
			return nil
		}
	}
	return configError("dynamic range", dr, "%s supports %v", r.geom.Name(), valid)
}

func (r *Receiver) applyFramesPerFile(n int) error {
	if n < 0 {
		return configError("frames per file", n, "must not be negative (0 is unlimited)")
	}
	r.framesPerFile = n
	r.maxPacketsPerFile = n * r.geom.PacketsPerFrame()
	return nil
}

func (r *Receiver) applyFilePath(path string) error {
	if !filepath.IsAbs(path) {
		return configError("file path", path, "must be absolute")
	}
	info, err := os.Stat(path)
	if err != nil {
		return configError("file path", path, "%v", err)
	}
	if !info.IsDir() {
		return configError("file path", path, "not a directory")
	}
	r.filePath = path
	return nil
}

func (r *Receiver) applyFileName(name string) error {
	if name == "" {
		return configError("file name", name, "must not be empty")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return configError("file name", name, "must not contain a path separator")
	}
	r.fileName = name
	return nil
}

func (r *Receiver) applyFileIndex(index int) error {
	if index < 0 {
		return configError("file index", index, "must not be negative")
	}
	r.fileIndex = index
	return nil
}

func (r *Receiver) applyStreamingTimer(t time.Duration) error {
	if t < 0 {
		return configError("streaming timer", t, "must not be negative")
	}
	r.streamingTimer = t
	return nil
}

// applyDataCompression switches between raw writing with one writer and
// filtering with a full writer pool.
func (r *Receiver) applyDataCompression(on bool) error {
	if on && r.detector == packets.Eiger {
		return configError("data compression", on, "filtering is not available for Eiger")
	}
	nwriters := 1
	if on {
		nwriters = r.maxWriters
	}
	if on == r.dataCompression && len(r.writers) == nwriters {
		return nil
	}
	r.dataCompression = on
	r.stopWriters()
	r.startWriters(nwriters)
	UpdateLogger.Printf("Data compression %v: %d writer threads", on, nwriters)
	return nil
}

// SetDetectorType selects the detector family, keeping the current variant
// options where they apply.
func (r *Receiver) SetDetectorType(det packets.DetectorType) error {
	return r.change(func() error {
		opts := r.opts
		if det != packets.Gotthard {
			opts.ShortFrame = false
		}
		if det == packets.Gotthard {
			opts.TenGiga = false
		}
		return r.applyGeometry(det, opts)
	})
}

// SetShortFrame turns the Gotthard short-frame variant on or off.
func (r *Receiver) SetShortFrame(on bool) error {
	return r.change(func() error {
		opts := r.opts
		opts.ShortFrame = on
		return r.applyGeometry(r.detector, opts)
	})
}

// SetTenGigaEnable selects the 10 GbE packet layout.
func (r *Receiver) SetTenGigaEnable(on bool) error {
	return r.change(func() error {
		opts := r.opts
		opts.TenGiga = on
		return r.applyGeometry(r.detector, opts)
	})
}

// SetUDPPort sets the port to listen on.
func (r *Receiver) SetUDPPort(port int) error {
	return r.change(func() error { return r.applyUDPPort(port) })
}

// SetInterface sets the network interface to bind to. Names containing a '.'
// (IP addresses) and the empty string mean all interfaces.
func (r *Receiver) SetInterface(iface string) error {
	return r.change(func() error {
		r.iface = normalizeInterface(iface)
		return nil
	})
}

// SetSocketBufferSize sets the requested kernel receive buffer size in bytes.
func (r *Receiver) SetSocketBufferSize(size int) error {
	return r.change(func() error { return r.applySocketBuffer(size) })
}

// SetNumberOfFrames sets the frames per trigger; 0 means until stopped.
func (r *Receiver) SetNumberOfFrames(n int64) error {
	return r.change(func() error { return r.applyFrames(n) })
}

func (r *Receiver) SetNumberOfTriggers(n int64) error {
	return r.change(func() error { return r.applyTriggers(n) })
}

func (r *Receiver) SetNumberOfBursts(n int64) error {
	return r.change(func() error { return r.applyBursts(n) })
}

func (r *Receiver) SetAcquisitionTime(t time.Duration) error {
	return r.change(func() error { return r.applyAcquisitionTime(t) })
}

// SetAcquisitionPeriod sets the frame period, which determines how many
// frames each slot holds.
func (r *Receiver) SetAcquisitionPeriod(period time.Duration) error {
	return r.change(func() error {
		if period < 0 {
			return configError("acquisition period", period, "must not be negative")
		}
		r.acquisitionPeriod = period
		return r.resize(false)
	})
}

func (r *Receiver) SetDynamicRange(dr int) error {
	return r.change(func() error { return r.applyDynamicRange(dr) })
}

// SetFramesPerFile sets how many frames go in each raw file; 0 is unlimited.
func (r *Receiver) SetFramesPerFile(n int) error {
	return r.change(func() error { return r.applyFramesPerFile(n) })
}

func (r *Receiver) SetFilePath(path string) error {
	return r.change(func() error { return r.applyFilePath(path) })
}

func (r *Receiver) SetFileName(name string) error {
	return r.change(func() error { return r.applyFileName(name) })
}

func (r *Receiver) SetFileIndex(index int) error {
	return r.change(func() error { return r.applyFileIndex(index) })
}

func (r *Receiver) SetFileWriteEnable(on bool) error {
	return r.change(func() error { r.fileWrite = on; return nil })
}

func (r *Receiver) SetOverwriteEnable(on bool) error {
	return r.change(func() error { r.overwrite = on; return nil })
}

// SetFrameIndexEnable controls whether the first raw file name carries the
// frame segment.
func (r *Receiver) SetFrameIndexEnable(on bool) error {
	return r.change(func() error { r.frameIndexEnable = on; return nil })
}

// SetDataStreamEnable turns the live display stream on or off.
func (r *Receiver) SetDataStreamEnable(on bool) error {
	return r.change(func() error { r.dataStream = on; return nil })
}

// SetStreamingTimer sets the minimum time between best-effort display frames.
func (r *Receiver) SetStreamingTimer(t time.Duration) error {
	return r.change(func() error { return r.applyStreamingTimer(t) })
}

// SetStreamingFrequency sends every Nth frame to the display; 0 selects the
// best-effort timer mode.
func (r *Receiver) SetStreamingFrequency(n int) error {
	return r.change(func() error {
		if n < 0 {
			return configError("streaming frequency", n, "must not be negative")
		}
		r.streamingFrequency = n
		return r.resize(false)
	})
}

func (r *Receiver) SetFrameDiscardPolicy(p DiscardPolicy) error {
	return r.change(func() error {
		if p < NoDiscard || p > DiscardPartial {
			return configError("frame discard policy", p, "unknown policy")
		}
		r.discardPolicy = p
		return nil
	})
}

// SetFramePaddingEnable fills the missing packets of partial frames.
func (r *Receiver) SetFramePaddingEnable(on bool) error {
	return r.change(func() error { r.padding = on; return nil })
}

// SetDataCompressionEnabled switches the online photon filter on or off.
func (r *Receiver) SetDataCompressionEnabled(on bool) error {
	return r.change(func() error { return r.applyDataCompression(on) })
}

// SetCommonModeEnable turns common-mode subtraction in the filter on or off.
func (r *Receiver) SetCommonModeEnable(on bool) error {
	return r.change(func() error { r.commonMode = on; return nil })
}
