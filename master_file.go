package slsrecv

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MasterFile describes one acquisition: detector settings, geometry and the
// naming of its data files. One is written next to the data at each start.
type MasterFile struct {
	Version           string        `yaml:"version"`
	AcquisitionID     string        `yaml:"acquisition_id"`
	Timestamp         time.Time     `yaml:"timestamp"`
	Detector          string        `yaml:"detector"`
	PacketsPerFrame   int           `yaml:"packets_per_frame"`
	PacketSize        int           `yaml:"packet_size"`
	PixelsX           int           `yaml:"pixels_x"`
	PixelsY           int           `yaml:"pixels_y"`
	DynamicRange      int           `yaml:"dynamic_range"`
	TenGiga           bool          `yaml:"ten_giga"`
	Frames            int64         `yaml:"frames"`
	Triggers          int64         `yaml:"triggers"`
	Bursts            int64         `yaml:"bursts"`
	AcquisitionTime   time.Duration `yaml:"acquisition_time"`
	AcquisitionPeriod time.Duration `yaml:"acquisition_period"`
	FramesPerFile     int           `yaml:"frames_per_file"`
	FilePath          string        `yaml:"file_path"`
	FileName          string        `yaml:"file_name"`
	FileIndex         int           `yaml:"file_index"`
	DiscardPolicy     string        `yaml:"discard_policy"`
	Padding           bool          `yaml:"padding"`
	Filtering         bool          `yaml:"filtering"`
	CommonMode        bool          `yaml:"common_mode,omitempty"`
	Writers           int           `yaml:"writers"`
}

func (r *Receiver) masterFile() *MasterFile {
	return &MasterFile{
		Version:           Build.Version,
		AcquisitionID:     r.acqID,
		Timestamp:         time.Now(),
		Detector:          r.geom.Name(),
		PacketsPerFrame:   r.geom.PacketsPerFrame(),
		PacketSize:        r.geom.OnePacketSize(),
		PixelsX:           r.geom.PixelsX(),
		PixelsY:           r.geom.PixelsY(),
		DynamicRange:      r.dynamicRange,
		TenGiga:           r.opts.TenGiga,
		Frames:            r.numFrames,
		Triggers:          r.numTriggers,
		Bursts:            r.numBursts,
		AcquisitionTime:   r.acquisitionTime,
		AcquisitionPeriod: r.acquisitionPeriod,
		FramesPerFile:     r.framesPerFile,
		FilePath:          r.filePath,
		FileName:          r.fileName,
		FileIndex:         r.fileIndex,
		DiscardPolicy:     r.discardPolicy.String(),
		Padding:           r.padding,
		Filtering:         r.dataCompression,
		CommonMode:        r.commonMode,
		Writers:           len(r.writers),
	}
}

// writeMasterFile writes the acquisition's master file, honoring the
// overwrite setting.
func (r *Receiver) writeMasterFile() error {
	name := masterFileName(r.filePath, r.fileName, r.fileIndex)
	f, err := os.OpenFile(name, openFlags(r.overwrite), 0664)
	if err != nil {
		return fmt.Errorf("could not create master file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(r.masterFile()); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	UpdateLogger.Printf("Master file: %s", name)
	return f.Close()
}

// ReadMasterFile parses a master file written by the receiver.
func ReadMasterFile(name string) (*MasterFile, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	m := new(MasterFile)
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("master file %s: %w", name, err)
	}
	return m, nil
}
