package webrtc

import "github.com/pion/webrtc/v3"

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

const dataChannelProtocol = "beam"

// STUNConfig builds a peer connection configuration for the given servers.
// An empty list yields host candidates only.
func STUNConfig(servers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), servers...)}}
	}
	return cfg
}

func DefaultSTUNConfig() webrtc.Configuration {
	return STUNConfig(DefaultSTUNServers)
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocol := dataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &protocol,
	}
}
