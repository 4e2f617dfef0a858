package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usnistgov/slsrecv/packets"
)

// DetsimControl holds the parameters of one simulated detector stream.
type DetsimControl struct {
	detector   packets.DetectorType
	options    packets.Options
	host       string
	port       int
	frames     int
	period     time.Duration
	firstFrame uint32
	pedestal   float64
	noiselevel float64
	photonRate float64 // mean photons per frame
	photonADU  float64
	dropRate   float64 // probability that any one packet is not sent
	seed       int64
}

// coerceInt makes `*i` satisfy min ≤ *i ≤ max
func coerceInt(i *int, min, max int) {
	if *i < min {
		*i = min
	}
	if *i > max {
		*i = max
	}
}

// coerceFloat makes `*f` satisfy min ≤ *f ≤ max
func coerceFloat(f *float64, min, max float64) {
	if *f < min {
		*f = min
	}
	if *f > max {
		*f = max
	}
}

// fillFrame writes one frame of pixel values: a pedestal with Gaussian noise,
// plus photons at random pixels.
func fillFrame(pix []uint16, control DetsimControl, r *rand.Rand) {
	for i := range pix {
		v := control.pedestal + control.noiselevel*r.NormFloat64()
		coerceFloat(&v, 0, math.MaxUint16)
		pix[i] = uint16(v)
	}
	if control.photonRate <= 0 {
		return
	}
	nphotons := int(control.photonRate)
	if r.Float64() < control.photonRate-float64(nphotons) {
		nphotons++
	}
	for range nphotons {
		i := r.Intn(len(pix))
		v := float64(pix[i]) + control.photonADU
		coerceFloat(&v, 0, math.MaxUint16)
		pix[i] = uint16(v)
	}
}

// generatePackets sends the packets of control.frames frames (forever if 0)
// on packetchan, one frame per period, then closes it. It returns the number
// of packets dropped on purpose.
func generatePackets(geom packets.FrameGeometry, control DetsimControl, packetchan chan<- []byte, cancel <-chan os.Signal) (int, error) {
	defer close(packetchan)
	if geom.HeaderSize() < packets.HeaderWordSize {
		return 0, fmt.Errorf("header of %d bytes cannot hold the index word", geom.HeaderSize())
	}
	r := rand.New(rand.NewSource(control.seed))
	ppf := geom.PacketsPerFrame()
	size := geom.OnePacketSize()
	pix := make([]uint16, geom.PixelsX()*geom.PixelsY())
	perPacket := geom.DataBytesPerPacket() / 2

	var timer *time.Ticker
	if control.period > 0 {
		timer = time.NewTicker(control.period)
		defer timer.Stop()
	}
	dropped := 0
	for f := 0; control.frames == 0 || f < control.frames; f++ {
		if timer != nil {
			select {
			case <-cancel:
				return dropped, nil
			case <-timer.C:
			}
		} else {
			select {
			case <-cancel:
				return dropped, nil
			default:
			}
		}
		frameIndex := control.firstFrame + uint32(f)
		fillFrame(pix, control, r)
		for p := range ppf {
			if control.dropRate > 0 && r.Float64() < control.dropRate {
				dropped++
				continue
			}
			b := make([]byte, size)
			binary.LittleEndian.PutUint32(b, packets.HeaderWord(geom, frameIndex, p))
			payload := b[geom.HeaderSize():]
			for j := range perPacket {
				k := p*perPacket + j
				if k >= len(pix) || 2*j+1 >= len(payload) {
					break
				}
				binary.LittleEndian.PutUint16(payload[2*j:], pix[k])
			}
			packetchan <- b
		}
	}
	return dropped, nil
}

// udpwriter sends each packet from packetchan as one datagram to host:port.
func udpwriter(host string, portnum int, packetchan <-chan []byte) (chan error, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, portnum))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer conn.Close()
		var firstErr error
		for b := range packetchan {
			if _, err := conn.Write(b); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		done <- firstErr
	}()
	return done, nil
}

func main() {
	detname := flag.String("det", "Gotthard", "Detector type: Gotthard, Moench or Eiger")
	shortFrame := flag.Bool("short", false, "Gotthard short-frame mode")
	tenGiga := flag.Bool("tengiga", false, "10 GbE packet layout (Eiger)")
	host := flag.String("host", "localhost", "Receiver host")
	port := flag.Int("port", 50001, "Receiver UDP port")
	nframes := flag.Int("frames", 1000, "Number of frames to send (0 means until interrupted)")
	rate := flag.Float64("rate", 1000., "Frames per second, 1-100000 (0 sends as fast as possible)")
	first := flag.Int("first", 1, "Frame index of the first frame")
	pedestal := flag.Float64("pedestal", 1000., "Pedestal level in ADU")
	noiselevel := flag.Float64("noise", 5.0, "White noise level in ADU")
	photons := flag.Float64("photons", 0.5, "Mean photons per frame")
	photonADU := flag.Float64("photonadu", 200., "Photon signal in ADU")
	drop := flag.Float64("drop", 0.0, "Probability of dropping each packet, 0-1")
	flag.Usage = func() {
		fmt.Println("DETSIM, a simulated detector sending UDP packet streams to slsrecv")
		fmt.Println("Usage:")
		flag.PrintDefaults()
	}
	flag.Parse()

	det, err := packets.ParseDetectorType(*detname)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	control := DetsimControl{detector: det, options: packets.Options{ShortFrame: *shortFrame, TenGiga: *tenGiga},
		host: *host, port: *port, frames: *nframes, pedestal: *pedestal, noiselevel: *noiselevel,
		photonRate: *photons, photonADU: *photonADU, dropRate: *drop, seed: time.Now().UnixNano()}
	coerceInt(&control.frames, 0, math.MaxInt32)
	coerceInt(first, 0, math.MaxInt32)
	control.firstFrame = uint32(*first)
	coerceFloat(&control.dropRate, 0, 1)
	if *rate > 0 {
		coerceFloat(rate, 1, 100000)
		control.period = time.Duration(float64(time.Second) / *rate)
	}

	geom, err := packets.ForDetector(control.detector, control.options)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Printf("Sending %s frames (%d packets of %d bytes) to %s:%d\n", geom.Name(),
		geom.PacketsPerFrame(), geom.OnePacketSize(), control.host, control.port)

	packetchan := make(chan []byte, 1024)
	done, err := udpwriter(control.host, control.port, packetchan)
	if err != nil {
		fmt.Printf("udpwriter(%s, %d) failed: %v\n", control.host, control.port, err)
		os.Exit(1)
	}
	cancel := make(chan os.Signal, 1)
	signal.Notify(cancel, os.Interrupt, syscall.SIGTERM)
	dropped, err := generatePackets(geom, control, packetchan, cancel)
	if err != nil {
		fmt.Println(err)
	}
	if err := <-done; err != nil {
		fmt.Println("Send error:", err)
	}
	fmt.Printf("Done. %d packets dropped on purpose.\n", dropped)
}
