package session

import (
	"context"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/transporttest"
	"github.com/nullstreams/moq/internal/wirepath"
)

// TestSessionAnnounceSubscribeGroupRoundTrip drives a full session end to
// end over an in-memory transport: the server side publishes one broadcast
// with one track carrying a single group and frame, the client side
// discovers it via AnnouncedInto and pulls it back through a real
// subscribe/group-stream round trip.
func TestSessionAnnounceSubscribeGroupRoundTrip(t *testing.T) {
	serverOrigin := model.NewOrigin()
	clientOrigin := model.NewOrigin()

	bp, bc := model.NewBroadcast()
	serverOrigin.Publish(wirepath.New("room"), bc)

	tp, tc := model.NewTrack("audio", 5)
	bp.Publish("audio", tc)
	gp := tp.AppendGroup(7)
	if err := gp.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	gp.Close()
	tp.Close()

	clientSess, serverSess := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		_, serverReady, err := Accept(ctx, serverSess, Options{
			Publish: model.NewOriginConsumer(serverOrigin),
		})
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- serverReady.Wait(ctx)
	}()

	_, clientReady, err := Connect(ctx, clientSess, Options{
		Subscribe: model.NewOriginProducer(clientOrigin),
		Announce:  wirepath.New(""),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := clientReady.Wait(ctx); err != nil {
		t.Fatalf("client readiness: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server readiness: %v", err)
	}

	remoteBC, ok := model.NewOriginConsumer(clientOrigin).ConsumeBroadcast(wirepath.New("room"))
	if !ok {
		t.Fatal("expected the announced broadcast to be mirrored into the client origin")
	}

	remoteTC := remoteBC.Subscribe("audio")
	defer remoteTC.Close()

	gc, err := remoteTC.NextGroup(ctx)
	if err != nil {
		t.Fatalf("NextGroup: %v", err)
	}
	if gc.Sequence() != 7 {
		t.Fatalf("expected sequence 7, got %d", gc.Sequence())
	}

	frame, err := gc.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	payload, err := frame.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", payload)
	}
}
