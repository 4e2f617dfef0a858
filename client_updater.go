package slsrecv

// Contains the ClientUpdater, which publishes JSON-encoded messages giving
// the latest receiver state, and the GUI publisher, which streams frames
// sampled by the GuiMirror.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/usnistgov/slsrecv/internal/unboundedchan"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// mergeUpdates lets a newer STATUS or PROGRESS message replace a queued one
// that no client has seen yet.
func mergeUpdates(queued, incoming ClientUpdate) bool {
	if queued.tag != incoming.tag {
		return false
	}
	return incoming.tag == "STATUS" || incoming.tag == "PROGRESS"
}

// NewUpdateQueue returns the queue between the receiver and RunClientUpdater.
// Senders on its In() channel never block.
func NewUpdateQueue() *unboundedchan.UnboundedChannel[ClientUpdate] {
	return unboundedchan.NewMerging(mergeUpdates)
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
// A SENDALL message re-publishes the latest message of every tag. It returns
// when messages is closed or abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	lastMessages := make(map[string][]byte)
	var tagOrder []string
	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			if update.tag == "SENDALL" {
				for _, tag := range tagOrder {
					pubSocket.SendMessage(tag, lastMessages[tag])
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s update: %v", update.tag, err)
				continue
			}
			if _, ok := lastMessages[update.tag]; !ok {
				tagOrder = append(tagOrder, update.tag)
			}
			lastMessages[update.tag] = message
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
			}
		}
	}
}

// GuiHeader precedes the frame bytes in each GUI stream message.
type GuiHeader struct {
	FileName   string
	FrameIndex uint64
	Sequence   uint64
	Bytes      int
}

// EncodeGuiSample builds one GUI stream message: a JSON header line, then
// the raw frame bytes.
func EncodeGuiSample(s GuiSample) ([]byte, error) {
	hdr, err := json.Marshal(GuiHeader{FileName: s.FileName, FrameIndex: s.FrameIndex,
		Sequence: s.Sequence, Bytes: len(s.Data)})
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(hdr)+1+len(s.Data))
	msg = append(msg, hdr...)
	msg = append(msg, '\n')
	return append(msg, s.Data...), nil
}

// DecodeGuiSample splits a GUI stream message into header and frame bytes.
func DecodeGuiSample(msg []byte) (GuiHeader, []byte, error) {
	var hdr GuiHeader
	i := bytes.IndexByte(msg, '\n')
	if i < 0 {
		return hdr, nil, fmt.Errorf("GUI message of %d bytes has no header line", len(msg))
	}
	if err := json.Unmarshal(msg[:i], &hdr); err != nil {
		return hdr, nil, err
	}
	data := msg[i+1:]
	if len(data) != hdr.Bytes {
		return hdr, nil, fmt.Errorf("GUI message has %d frame bytes, header says %d", len(data), hdr.Bytes)
	}
	return hdr, data, nil
}

// RunGuiPublisher publishes every sample taken from the mirror on a
// conflating PUB socket, so a slow display only ever sees the newest frame.
// It returns when abort is closed.
func RunGuiPublisher(mirror *GuiMirror, portgui int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", portgui)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	pubSocket.SetSndhwm(1)
	pubSocket.SetConflate(true)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind GUI publisher to %s: %w", hostname, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-abort
		cancel()
	}()
	var published uint64
	lastReport := time.Now()
	for {
		sample, err := mirror.Read(ctx)
		if err != nil {
			UpdateLogger.Printf("GUI publisher sent %d frames", published)
			return nil
		}
		msg, err := EncodeGuiSample(sample)
		if err != nil {
			ProblemLogger.Printf("Could not encode GUI sample: %v", err)
			continue
		}
		if _, err := pubSocket.SendBytes(msg, 0); err != nil {
			ProblemLogger.Printf("Could not publish GUI sample: %v", err)
		}
		published++
		if time.Since(lastReport) > time.Minute {
			offered, copied, dropped := mirror.Stats()
			UpdateLogger.Printf("GUI stream: %d offered, %d copied, %d dropped", offered, copied, dropped)
			lastReport = time.Now()
		}
	}
}
