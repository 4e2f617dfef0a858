package slsrecv

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
	"github.com/usnistgov/slsrecv/packets"
)

// ReceiverControl is the sub-server that handles configuration and operation
// of the receiver over JSON-RPC.
type ReceiverControl struct {
	receiver      *Receiver
	clientUpdates chan<- ClientUpdate
	verbose       bool
}

// NewReceiverControl creates a ReceiverControl for r that reports to clientUpdates.
func NewReceiverControl(r *Receiver, clientUpdates chan<- ClientUpdate) *ReceiverControl {
	return &ReceiverControl{receiver: r, clientUpdates: clientUpdates, verbose: viper.GetBool("verbose")}
}

// changed finishes every configuration call: on success it stores and
// broadcasts the new configuration.
func (rc *ReceiverControl) changed(what string, err error, reply *bool) error {
	*reply = err == nil
	if err != nil {
		ProblemLogger.Printf("%s failed: %v", what, err)
		return err
	}
	cfg := rc.receiver.Config()
	if rc.verbose {
		UpdateLogger.Printf("%s: new configuration %s", what, spew.Sdump(cfg))
	}
	rc.saveConfig(cfg)
	rc.clientUpdates <- ClientUpdate{"RECEIVER", cfg}
	return nil
}

// saveConfig stores cfg in the config file, if one is in use.
func (rc *ReceiverControl) saveConfig(cfg ReceiverConfig) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.Set("receiver", cfg)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("Could not save configuration: %v", err)
	}
}

// ConfigureReceiver applies a complete configuration.
func (rc *ReceiverControl) ConfigureReceiver(args *ReceiverConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureReceiver: %s on port %d", args.Detector, args.UDPPort)
	return rc.changed("ConfigureReceiver", rc.receiver.Configure(*args), reply)
}

// GetConfig returns the current configuration.
func (rc *ReceiverControl) GetConfig(dummy *string, reply *ReceiverConfig) error {
	*reply = rc.receiver.Config()
	return nil
}

// SetDetectorType selects the detector family by name.
func (rc *ReceiverControl) SetDetectorType(name *string, reply *bool) error {
	det, err := packets.ParseDetectorType(*name)
	if err != nil {
		*reply = false
		return err
	}
	return rc.changed("SetDetectorType", rc.receiver.SetDetectorType(det), reply)
}

func (rc *ReceiverControl) SetShortFrame(on *bool, reply *bool) error {
	return rc.changed("SetShortFrame", rc.receiver.SetShortFrame(*on), reply)
}

func (rc *ReceiverControl) SetTenGigaEnable(on *bool, reply *bool) error {
	return rc.changed("SetTenGigaEnable", rc.receiver.SetTenGigaEnable(*on), reply)
}

func (rc *ReceiverControl) SetUDPPort(port *int, reply *bool) error {
	return rc.changed("SetUDPPort", rc.receiver.SetUDPPort(*port), reply)
}

func (rc *ReceiverControl) SetNumberOfFrames(n *int64, reply *bool) error {
	return rc.changed("SetNumberOfFrames", rc.receiver.SetNumberOfFrames(*n), reply)
}

func (rc *ReceiverControl) SetNumberOfTriggers(n *int64, reply *bool) error {
	return rc.changed("SetNumberOfTriggers", rc.receiver.SetNumberOfTriggers(*n), reply)
}

func (rc *ReceiverControl) SetNumberOfBursts(n *int64, reply *bool) error {
	return rc.changed("SetNumberOfBursts", rc.receiver.SetNumberOfBursts(*n), reply)
}

// SetAcquisitionTime sets the exposure time in nanoseconds.
func (rc *ReceiverControl) SetAcquisitionTime(ns *int64, reply *bool) error {
	return rc.changed("SetAcquisitionTime", rc.receiver.SetAcquisitionTime(time.Duration(*ns)), reply)
}

// SetAcquisitionPeriod sets the frame period in nanoseconds.
func (rc *ReceiverControl) SetAcquisitionPeriod(ns *int64, reply *bool) error {
	return rc.changed("SetAcquisitionPeriod", rc.receiver.SetAcquisitionPeriod(time.Duration(*ns)), reply)
}

func (rc *ReceiverControl) SetDynamicRange(dr *int, reply *bool) error {
	return rc.changed("SetDynamicRange", rc.receiver.SetDynamicRange(*dr), reply)
}

func (rc *ReceiverControl) SetFramesPerFile(n *int, reply *bool) error {
	return rc.changed("SetFramesPerFile", rc.receiver.SetFramesPerFile(*n), reply)
}

func (rc *ReceiverControl) SetFileName(name *string, reply *bool) error {
	return rc.changed("SetFileName", rc.receiver.SetFileName(*name), reply)
}

func (rc *ReceiverControl) SetFilePath(path *string, reply *bool) error {
	return rc.changed("SetFilePath", rc.receiver.SetFilePath(*path), reply)
}

func (rc *ReceiverControl) SetFileIndex(index *int, reply *bool) error {
	return rc.changed("SetFileIndex", rc.receiver.SetFileIndex(*index), reply)
}

func (rc *ReceiverControl) SetFileWriteEnable(on *bool, reply *bool) error {
	return rc.changed("SetFileWriteEnable", rc.receiver.SetFileWriteEnable(*on), reply)
}

func (rc *ReceiverControl) SetOverwriteEnable(on *bool, reply *bool) error {
	return rc.changed("SetOverwriteEnable", rc.receiver.SetOverwriteEnable(*on), reply)
}

func (rc *ReceiverControl) SetFrameIndexEnable(on *bool, reply *bool) error {
	return rc.changed("SetFrameIndexEnable", rc.receiver.SetFrameIndexEnable(*on), reply)
}

func (rc *ReceiverControl) SetDataStreamEnable(on *bool, reply *bool) error {
	return rc.changed("SetDataStreamEnable", rc.receiver.SetDataStreamEnable(*on), reply)
}

// SetStreamingTimer sets the best-effort display interval in milliseconds.
func (rc *ReceiverControl) SetStreamingTimer(ms *int, reply *bool) error {
	t := time.Duration(*ms) * time.Millisecond
	return rc.changed("SetStreamingTimer", rc.receiver.SetStreamingTimer(t), reply)
}

func (rc *ReceiverControl) SetStreamingFrequency(n *int, reply *bool) error {
	return rc.changed("SetStreamingFrequency", rc.receiver.SetStreamingFrequency(*n), reply)
}

// SetFrameDiscardPolicy selects a policy by name: nodiscard, discardempty or discardpartial.
func (rc *ReceiverControl) SetFrameDiscardPolicy(name *string, reply *bool) error {
	p, err := ParseDiscardPolicy(*name)
	if err != nil {
		*reply = false
		return err
	}
	return rc.changed("SetFrameDiscardPolicy", rc.receiver.SetFrameDiscardPolicy(p), reply)
}

func (rc *ReceiverControl) SetFramePaddingEnable(on *bool, reply *bool) error {
	return rc.changed("SetFramePaddingEnable", rc.receiver.SetFramePaddingEnable(*on), reply)
}

func (rc *ReceiverControl) SetDataCompression(on *bool, reply *bool) error {
	return rc.changed("SetDataCompression", rc.receiver.SetDataCompressionEnabled(*on), reply)
}

func (rc *ReceiverControl) SetCommonModeEnable(on *bool, reply *bool) error {
	return rc.changed("SetCommonModeEnable", rc.receiver.SetCommonModeEnable(*on), reply)
}

// Start starts an acquisition.
func (rc *ReceiverControl) Start(dummy *string, reply *bool) error {
	err := rc.receiver.StartReceiver()
	*reply = err == nil
	if err != nil {
		rc.clientUpdates <- ClientUpdate{"ALERT", err.Error()}
	}
	return err
}

// Stop ends the acquisition under way, if any. It returns the error that
// ended the acquisition early, if there was one.
func (rc *ReceiverControl) Stop(dummy *string, reply *bool) error {
	err := rc.receiver.StopReceiver()
	*reply = err == nil
	if err != nil {
		rc.clientUpdates <- ClientUpdate{"ALERT", err.Error()}
	}
	return err
}

// GetStatus returns the run status by name.
func (rc *ReceiverControl) GetStatus(dummy *string, reply *string) error {
	*reply = rc.receiver.Status().String()
	return nil
}

// GetProgress returns all progress counters.
func (rc *ReceiverControl) GetProgress(dummy *string, reply *Progress) error {
	*reply = rc.receiver.Progress()
	return nil
}

// ResetTotalFramesCaught starts a new acquisition count.
func (rc *ReceiverControl) ResetTotalFramesCaught(dummy *string, reply *bool) error {
	err := rc.receiver.ResetTotalFramesCaught()
	*reply = err == nil
	rc.broadcastProgress()
	return err
}

func (rc *ReceiverControl) broadcastProgress() {
	rc.clientUpdates <- ClientUpdate{"PROGRESS", rc.receiver.Progress()}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (rc *ReceiverControl) SendAllStatus(dummy *string, reply *bool) error {
	rc.clientUpdates <- ClientUpdate{"RECEIVER", rc.receiver.Config()}
	rc.broadcastProgress()
	rc.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server controlling r.
// If block, it will block until the listener fails; otherwise it serves in
// the background and returns once listening.
func RunRPCServer(r *Receiver, messageChan chan<- ClientUpdate, portrpc int, block bool) error {
	rc := NewReceiverControl(r, messageChan)

	// Transfer saved configuration from Viper to the receiver.
	if viper.IsSet("receiver") {
		cfg := r.Config()
		if err := viper.UnmarshalKey("receiver", &cfg); err != nil {
			ProblemLogger.Printf("Could not read stored configuration: %v", err)
		} else if err := r.Configure(cfg); err != nil {
			ProblemLogger.Printf("Stored configuration rejected: %v", err)
		} else {
			UpdateLogger.Printf("Restored configuration from %s", viper.ConfigFileUsed())
		}
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			rc.broadcastProgress()
		}
	}()

	server := rpc.NewServer()
	if err := server.Register(rc); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	serve := func() error {
		r.controlLock.Lock()
		realtime := r.realtime
		r.controlLock.Unlock()
		if realtime {
			prioritize("control", controlPriority)
		}
		for {
			conn, err := listener.Accept()
			if err != nil {
				return fmt.Errorf("accept error: %w", err)
			}
			UpdateLogger.Printf("New RPC connection from %v", conn.RemoteAddr())
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go serve()
	return nil
}
