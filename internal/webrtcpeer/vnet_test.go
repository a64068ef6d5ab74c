package webrtcpeer

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(mediaEngine))
}

func TestPublisher_TrickleAcrossVirtualNetwork(t *testing.T) {
	const (
		serverIP  = "10.0.0.1"
		browserIP = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	serverNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{serverIP}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	browserNet, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{browserIP}})
	if err != nil {
		t.Fatalf("new browser net: %v", err)
	}
	if err := router.AddNet(serverNet); err != nil {
		t.Fatalf("add server net: %v", err)
	}
	if err := router.AddNet(browserNet); err != nil {
		t.Fatalf("add browser net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	// Candidates from the publisher wait here until the browser has applied
	// the answer.
	serverCandidates := make(chan webrtc.ICECandidateInit, 16)
	connected := make(chan struct{}, 1)
	pub, err := NewPublisher(PublisherConfig{
		API:      newVNetAPI(t, serverNet),
		StreamID: "stream1",
		OnCandidate: func(c webrtc.ICECandidateInit) {
			serverCandidates <- c
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	browser, err := newVNetAPI(t, browserNet).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = browser.Close() })
	if _, err := browser.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	// The offer goes out before the publisher has a remote description, so
	// these land in its pending buffer.
	browser.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = pub.AddCandidate(c.ToJSON())
	})

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	answerSDP, err := pub.Answer(offer.SDP)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := browser.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	sawServerIP := false
	deadline := time.After(10 * time.Second)
	for {
		select {
		case c := <-serverCandidates:
			if strings.Contains(c.Candidate, serverIP) {
				sawServerIP = true
			}
			if err := browser.AddICECandidate(c); err != nil {
				t.Fatalf("browser AddICECandidate: %v", err)
			}
		case <-connected:
			if sawServerIP {
				return
			}
			// The browser may have connected through a peer-reflexive
			// candidate; the publisher must still trickle its own.
			select {
			case c := <-serverCandidates:
				if !strings.Contains(c.Candidate, serverIP) {
					t.Fatalf("trickled candidate %q is not on %s", c.Candidate, serverIP)
				}
				return
			case <-time.After(5 * time.Second):
				t.Fatalf("no candidate trickled on %s", serverIP)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for publisher to connect over the virtual network")
		}
	}
}
