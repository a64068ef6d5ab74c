package handler

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/stream-signal/internal/streamapp"
)

// Commands understood or sent by the handlers.
const (
	cmdPing               = "ping"
	cmdPong               = "pong"
	cmdPublish            = "publish"
	cmdPlay               = "play"
	cmdStop               = "stop"
	cmdStart              = "start"
	cmdTakeConfiguration  = "takeConfiguration"
	cmdTakeCandidate      = "takeCandidate"
	cmdGetStreamInfo      = "getStreamInfo"
	cmdStreamInformation  = "streamInformation"
	cmdGetIceServerConfig = "getIceServerConfig"
	cmdIceServerConfig    = "iceServerConfig"
	cmdNotification       = "notification"
	cmdError              = "error"
)

// Notification and error definitions.
const (
	DefPublishStarted     = "publish_started"
	DefPublishFinished    = "publish_finished"
	DefPlayStarted        = "play_started"
	DefPlayFinished       = "play_finished"
	DefInvalidMessage     = "invalid_message"
	DefUnsupportedCommand = "unsupported_command"
	DefNoStreamID         = "no_stream_id_specified"
	DefNoStreamExist      = "no_stream_exist"
	DefAlreadyPublishing  = "already_publishing"
	DefNotPublishing      = "not_publishing_or_playing"
	DefPublishRejected    = "unauthorized_access"
	DefLifecycleFailed    = "server_error"
	DefWebRTCNotSupported = "webrtc_not_supported"
	DefInvalidSDP         = "invalid_sdp"
	DefInvalidCandidate   = "invalid_candidate"
)

// Message is the JSON envelope used in both directions.
type Message struct {
	Command    string `json:"command"`
	StreamID   string `json:"streamId,omitempty"`
	Definition string `json:"definition,omitempty"`

	// takeConfiguration
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp,omitempty"`

	// takeCandidate; label is the m-line index and id the mid.
	Label     *uint16 `json:"label,omitempty"`
	ID        string  `json:"id,omitempty"`
	Candidate string  `json:"candidate,omitempty"`

	StreamInfo []streamapp.Stream `json:"streamInfo,omitempty"`

	StunServerURI        string `json:"stunServerUri,omitempty"`
	TurnServerUsername   string `json:"turnServerUsername,omitempty"`
	TurnServerCredential string `json:"turnServerCredential,omitempty"`
}

func parseMessage(payload string) (Message, error) {
	var msg Message
	err := json.Unmarshal([]byte(payload), &msg)
	return msg, err
}
