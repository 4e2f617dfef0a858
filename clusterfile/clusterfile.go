// Package clusterfile writes and reads the compressed event files produced
// in filtering mode.
//
// A cluster file is one lz4 frame stream. Its decompressed content is a JSON
// header followed by a single newline, then records written sequentially in
// little-endian format:
//
//	bytes   type      meaning
//	0-7     uint64    frame index
//	8-9     int16     x of the cluster's maximum pixel
//	10-11   int16     y of the cluster's maximum pixel
//	12-13   uint16    N, number of values (ClusterSize squared)
//	14-Z    float32   the N pedestal-subtracted values, row-major
//	Z = 13+4*N
package clusterfile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/usnistgov/slsrecv/getbytes"
	"github.com/usnistgov/slsrecv/photon"
)

// FileFormat names the format in the header
const FileFormat = "SLSCLUSTER"

// FileFormatVersion is the version of the record layout
const FileFormatVersion = "1.0.0"

// Header is serialized as JSON at the start of every file.
type Header struct {
	FileFormat        string
	FileFormatVersion string
	Detector          string
	AcquisitionID     string
	FileIndex         int
	WriterIndex       int
	PixelsX           int
	PixelsY           int
	ClusterSize       int
	NSigma            float64
	CommonMode        bool
	CreationTime      time.Time
	ReceiverVersion   string
}

// Writer writes cluster files
type Writer struct {
	Header

	recordsWritten int
	fileName       string
	headerWritten  bool
	file           *os.File
	lz             *lz4.Writer
	writer         *bufio.Writer
}

// NewWriter creates a new cluster writer. No file is created until CreateFile.
func NewWriter(fileName string, header Header) *Writer {
	w := new(Writer)
	w.Header = header
	w.FileFormat = FileFormat
	w.FileFormatVersion = FileFormatVersion
	if w.CreationTime.IsZero() {
		w.CreationTime = time.Now()
	}
	w.fileName = fileName
	return w
}

// FileName returns the path of the file being written.
func (w *Writer) FileName() string { return w.fileName }

// RecordsWritten returns the number of clusters written.
func (w *Writer) RecordsWritten() int { return w.recordsWritten }

// CreateFile creates the file. With overwrite false, an existing file is an error.
// Must be called before WriteHeader or WriteCluster.
func (w *Writer) CreateFile(overwrite bool) error {
	if w.file != nil {
		return errors.New("file already exists")
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(w.fileName, flags, 0664)
	if err != nil {
		return err
	}
	w.file = file
	w.lz = lz4.NewWriter(file)
	if err := w.lz.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		file.Close()
		w.file = nil
		return err
	}
	w.writer = bufio.NewWriterSize(w.lz, 65536)
	return nil
}

// WriteHeader writes the JSON header line.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return errors.New("header already written")
	}
	if w.writer == nil {
		return errors.New("file not created")
	}
	s, err := json.Marshal(w.Header)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(s); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteCluster writes one cluster record.
func (w *Writer) WriteCluster(c photon.Cluster) error {
	if !w.headerWritten {
		return errors.New("header not written")
	}
	if len(c.Values) > 0xFFFF {
		return fmt.Errorf("cluster has %d values, at most 65535 allowed", len(c.Values))
	}
	if _, err := w.writer.Write(getbytes.From(c.FrameIndex)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.From(c.X)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.From(c.Y)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.From(uint16(len(c.Values)))); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.FromSlice(c.Values)); err != nil {
		return err
	}
	w.recordsWritten++
	return nil
}

// Close flushes the buffer and the lz4 stream, then closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.writer.Flush()
	if err2 := w.lz.Close(); err == nil {
		err = err2
	}
	if err2 := w.file.Close(); err == nil {
		err = err2
	}
	w.file = nil
	return err
}

// Reader reads cluster files.
type Reader struct {
	Header
	file   *os.File
	reader *bufio.Reader
}

// Open opens a cluster file and reads its header.
func Open(fileName string) (*Reader, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: file, reader: bufio.NewReader(lz4.NewReader(file))}
	line, err := r.reader.ReadBytes('\n')
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("reading header of %s: %w", fileName, err)
	}
	if err := json.Unmarshal(line, &r.Header); err != nil {
		file.Close()
		return nil, fmt.Errorf("parsing header of %s: %w", fileName, err)
	}
	if r.FileFormat != FileFormat {
		file.Close()
		return nil, fmt.Errorf("file format is %q, want %q", r.FileFormat, FileFormat)
	}
	return r, nil
}

type recordHead struct {
	FrameIndex uint64
	X, Y       int16
	N          uint16
}

// Next returns the next cluster, or io.EOF after the last one.
func (r *Reader) Next() (photon.Cluster, error) {
	var h recordHead
	if err := binary.Read(r.reader, binary.LittleEndian, &h); err != nil {
		return photon.Cluster{}, err
	}
	c := photon.Cluster{FrameIndex: h.FrameIndex, X: h.X, Y: h.Y, Values: make([]float32, h.N)}
	if err := binary.Read(r.reader, binary.LittleEndian, c.Values); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return photon.Cluster{}, err
	}
	return c, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
