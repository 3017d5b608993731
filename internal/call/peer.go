package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ICE timing: generous gathering and disconnect windows so calls survive
// brief network blips, with a short keepalive.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second

	pliInterval = 3 * time.Second
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// signalPayload is the negotiation message both sides exchange. Candidates
// are bundled into the SDP (non-trickle), so one offer and one answer carry
// the whole negotiation.
type signalPayload struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// pionPeer is the production PeerLink over a pion RTCPeerConnection.
type pionPeer struct {
	cfg PeerConfig

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	closed bool
}

// NewPionPeer is the production PeerFactory. The initiator produces the
// offer immediately; the receiver answers when the offer is applied via
// Signal.
func NewPionPeer(cfg PeerConfig) (PeerLink, error) {
	me := &webrtc.MediaEngine{}
	if cfg.Local != nil && cfg.Local.populate != nil {
		if err := cfg.Local.populate(me); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: defaultICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &pionPeer{cfg: cfg, pc: pc}

	if cfg.Local != nil && len(cfg.Local.rtc) > 0 {
		for _, track := range cfg.Local.rtc {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}
	} else {
		// No local capture available; still receive the remote side.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		if cfg.Video {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add video transceiver: %w", err)
			}
		}
	}

	pc.OnTrack(p.onTrack)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("PEER [%s]: connection %s", cfg.ConversationID, state)
		if state == webrtc.PeerConnectionStateFailed {
			if cfg.OnError != nil {
				cfg.OnError(errors.New("peer connection failed"))
			}
		}
	})

	if cfg.Initiator {
		go func() {
			if err := p.sendOffer(); err != nil {
				log.Printf("PEER [%s]: offer failed: %v", cfg.ConversationID, err)
				if cfg.OnError != nil {
					cfg.OnError(err)
				}
			}
		}()
	}

	return p, nil
}

func (p *pionPeer) sendOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	return p.emitLocalDescription("offer")
}

func (p *pionPeer) sendAnswer() error {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	return p.emitLocalDescription("answer")
}

func (p *pionPeer) emitLocalDescription(typ string) error {
	desc := p.pc.LocalDescription()
	if desc == nil {
		return errors.New("no local description after gathering")
	}
	data, err := json.Marshal(signalPayload{Type: typ, SDP: desc.SDP})
	if err != nil {
		return err
	}
	if p.cfg.OnSignal != nil {
		p.cfg.OnSignal(data)
	}
	return nil
}

// Signal applies the remote side's negotiation payload.
func (p *pionPeer) Signal(data json.RawMessage) error {
	var payload signalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	switch payload.Type {
	case "offer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  payload.SDP,
		}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		return p.sendAnswer()

	case "answer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  payload.SDP,
		}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown signal type %q", payload.Type)
	}
}

// onTrack drains inbound RTP so the transport keeps flowing, and for video
// asks the sender for periodic keyframes. Playback sinks attach at the
// application layer.
func (p *pionPeer) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Printf("PEER [%s]: remote %s track %s", p.cfg.ConversationID, kind, track.ID())

	if p.cfg.OnTrack != nil {
		p.cfg.OnTrack(kind)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.keyframeLoop(track.SSRC())
	}

	// Drain inbound RTP; decoding/playback happens elsewhere. Sequence gaps
	// are counted for the close log, the PLI loop handles recovery.
	go func() {
		var (
			pkt  *rtp.Packet
			last uint16
			seen bool
			gaps int
			err  error
		)
		for {
			pkt, _, err = track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("PEER [%s]: %s track read: %v", p.cfg.ConversationID, kind, err)
				}
				if gaps > 0 {
					log.Printf("PEER [%s]: %s track closed with %d sequence gaps", p.cfg.ConversationID, kind, gaps)
				}
				return
			}
			if seen && pkt.SequenceNumber != last+1 {
				gaps++
			}
			last, seen = pkt.SequenceNumber, true
		}
	}()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := receiver.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (p *pionPeer) keyframeLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
		})
		if err != nil {
			return
		}
	}
}

// Close tears the connection down. Idempotent.
func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}
