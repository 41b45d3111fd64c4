package negotiation

import (
	"context"
	"strings"
	"testing"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionOfferAnswer(t *testing.T) {
	factory, err := NewPionFactory(nil)
	require.NoError(t, err)

	viewerPC, err := factory.NewPeerConnection()
	require.NoError(t, err)
	hostPC, err := factory.NewPeerConnection()
	require.NoError(t, err)

	ctx := context.Background()
	viewer := NewSession(Config{ID: "evt-1:v", RoomID: "evt-1", LocalID: "v", RemoteID: "h"}, viewerPC,
		SignalerFunc(func(ctx context.Context, sig models.Signal) error {
			if offer, ok := sig.(models.Offer); ok {
				assert.True(t, strings.Contains(offer.SDP, "recvonly"))
			}
			return nil
		}), zerolog.Nop())
	defer viewer.Teardown()

	var answer models.Answer
	host := NewSession(Config{ID: "evt-1:v", RoomID: "evt-1", LocalID: "h", RemoteID: "v"}, hostPC,
		SignalerFunc(func(ctx context.Context, sig models.Signal) error {
			if a, ok := sig.(models.Answer); ok {
				answer = a
			}
			return nil
		}), zerolog.Nop())
	defer host.Teardown()

	require.NoError(t, viewer.CreateOffer(ctx, nil))

	src, err := NewSampleSource("evt-1")
	require.NoError(t, err)

	offerSDP := captureOffer(t, viewerPC)
	require.NoError(t, host.HandleOffer(ctx, models.Offer{SDP: offerSDP}, src))
	require.NotEmpty(t, answer.SDP)
	// Gathered host candidates may already have moved it on.
	assert.Contains(t, []State{StateAnswerSent, StateConnecting}, host.State())

	require.NoError(t, viewer.HandleAnswer(ctx, answer))
	assert.Equal(t, StateConnecting, viewer.State())

	host.Teardown()
	assert.True(t, src.Released())
}

func captureOffer(t *testing.T, pc PeerConnection) string {
	t.Helper()
	p, ok := pc.(*pionPeer)
	require.True(t, ok)
	local := p.pc.LocalDescription()
	require.NotNil(t, local)
	return local.SDP
}
