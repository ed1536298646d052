package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/Comms/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Factory builds peer connections sharing one pion API: default codecs,
// default interceptors (NACK, RTCP reports, TWCC) and tuned ICE timeouts.
type Factory struct {
	api   *webrtc.API
	cfg   webrtc.Configuration
	label string
}

func NewFactory(cfg webrtc.Configuration, label string) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)
	// two clients on one host can pair over loopback
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg, label: label}, nil
}

func (f *Factory) NewConnection() (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newWebRTCConnection(pc, f.label), nil
}
