// Package datachannel wraps a real WebRTC PeerConnection and feeds its
// lifecycle back into an econn.Connection. econn treats SDP as an opaque
// string; this package is the one place that string is actually a WebRTC
// session description.
package datachannel

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/econn"
)

// Channel binds one PeerConnection to the econn.Connection whose SETUP/
// UPDATE exchange negotiated it.
type Channel struct {
	pc     *webrtc.PeerConnection
	conn   *econn.Connection
	cancel context.CancelFunc
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func New(cfg webrtc.Configuration, conn *econn.Connection) (*Channel, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Channel{pc: pc, conn: conn}, nil
}

// Start wires the PeerConnection's data channel and lifecycle events into
// the bound econn.Connection. Cancelling ctx is only logged; the
// PeerConnection stays open until Close.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			log.Info().Str("module", "datachannel").Str("label", dc.Label()).Msg("data channel open")
			c.conn.SetDatachanEstablished()
		})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "datachannel").Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	go func() {
		<-ctx.Done()
		log.Debug().Str("module", "datachannel").Msg("context canceled")
	}()
}

// CreateOffer opens a data channel and returns a local offer SDP, to be
// carried out via econn.Connection.Start.
func (c *Channel) CreateOffer() (string, error) {
	if _, err := c.pc.CreateDataChannel("econn", nil); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	<-gatherComplete

	return c.pc.LocalDescription().SDP, nil
}

// ApplyOfferAndAnswer sets the peer's offer as the remote description and
// returns a local answer SDP, to be carried out via econn.Connection.Answer.
func (c *Channel) ApplyOfferAndAnswer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gatherComplete

	return c.pc.LocalDescription().SDP, nil
}

// ApplyAnswer sets the peer's answer as the remote description, completing
// an offer/answer exchange this side initiated.
func (c *Channel) ApplyAnswer(answerSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	return c.pc.SetRemoteDescription(answer)
}

func (c *Channel) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "datachannel").Msg("close error")
	}
}
