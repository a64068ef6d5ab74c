package webrtcpeer

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/config"
)

func TestNewAPI_AppliesNetworkSettings(t *testing.T) {
	_, err := NewAPI(config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 40000, Max: 40100},
		WebRTCNAT1To1IPs:   []string{"203.0.113.10"},
	}, nil)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	if _, err := NewAPI(config.Config{WebRTCUDPPortRange: &config.UDPPortRange{Min: 50000, Max: 40000}}, nil); err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestLoggerFactory_RoutesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewLoggerFactory(logger).NewLogger("ice")

	l.Debugf("hidden %d", 1)
	l.Trace("hidden")
	l.Warnf("candidate %s failed", "host")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug/trace records should be filtered: %q", out)
	}
	if !strings.Contains(out, "candidate host failed") || !strings.Contains(out, "pion_scope=ice") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestPublisher_AnswersBrowserOffer(t *testing.T) {
	api, err := NewAPI(config.Config{}, nil)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	connected := make(chan struct{})
	var once sync.Once
	pub, err := NewPublisher(PublisherConfig{
		API:      api,
		StreamID: "stream1",
		OnStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(connected) })
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	browser, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = browser.Close() })
	if _, err := browser.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered

	answerSDP, err := pub.Answer(browser.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(answerSDP, "a=recvonly") {
		t.Fatalf("answer should receive the browser's video:\n%s", answerSDP)
	}

	// Complete non-trickle: wait for the publisher's candidates to land in
	// its local description.
	<-webrtc.GatheringCompletePromise(pub.pc)
	if err := browser.SetRemoteDescription(*pub.pc.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for publisher to connect")
	}
}

func TestPublisher_BuffersEarlyCandidatesAndRejectsAfterClose(t *testing.T) {
	pub, err := NewPublisher(PublisherConfig{StreamID: "s"})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.AddCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}); err != nil {
		t.Fatalf("AddCandidate before offer: %v", err)
	}
	if len(pub.pending) != 1 {
		t.Fatalf("pending=%d, want 1", len(pub.pending))
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := pub.Answer("v=0"); err != ErrPublisherClosed {
		t.Fatalf("Answer after close err=%v", err)
	}
	if err := pub.AddCandidate(webrtc.ICECandidateInit{}); err != ErrPublisherClosed {
		t.Fatalf("AddCandidate after close err=%v", err)
	}
}
