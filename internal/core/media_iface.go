package core

import (
	"github.com/pion/webrtc/v4"
)

// MediaConnection is the slice of a peer connection the negotiation machine
// drives. Every description-changing call also applies the description it
// produces, so callers never hold an unapplied SDP.
type MediaConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets a remote offer, creates the answer and sets it locally.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionState(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error

	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
}

// MediaFactory opens a fresh MediaConnection per peer session.
type MediaFactory interface {
	NewConnection() (MediaConnection, error)
}
