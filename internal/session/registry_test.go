package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/mediaengine/enginetest"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

type recordedEvent struct {
	event   string
	payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Notify(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{event, payload})
}

func (s *recordingSink) byEvent(event string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, e := range s.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *enginetest.Worker) {
	t.Helper()
	w := enginetest.NewWorker()
	logger := zaptest.NewLogger(t)
	reg := NewRegistry(mediaengine.New(w, logger), logger, Options{})
	return reg, w
}

func videoParams(ssrc uint32) mediaengine.RtpParameters {
	return mediaengine.RtpParameters{
		Codecs: []mediaengine.RtpCodecParameters{{
			MimeType:    mediaengine.MimeTypeH264,
			PayloadType: 102,
			ClockRate:   90000,
			Parameters:  map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f"},
		}},
		Encodings: []mediaengine.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

func audioParams(ssrc uint32) mediaengine.RtpParameters {
	return mediaengine.RtpParameters{
		Codecs:    []mediaengine.RtpCodecParameters{{MimeType: mediaengine.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []mediaengine.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

func mustJoin(t *testing.T, reg *Registry, roomID, peerID string, sink Sink) JoinResult {
	t.Helper()
	res, err := reg.JoinRoom(context.Background(), roomID, peerID, sink)
	if err != nil {
		t.Fatalf("JoinRoom(%s, %s): %v", roomID, peerID, err)
	}
	return res
}

func mustTransport(t *testing.T, reg *Registry, peerID string, dir mediaengine.Direction) string {
	t.Helper()
	info, err := reg.CreateTransport(context.Background(), peerID, dir)
	if err != nil {
		t.Fatalf("CreateTransport(%s): %v", peerID, err)
	}
	return info.ID
}

func mustProduce(t *testing.T, reg *Registry, peerID string, ssrc uint32) string {
	t.Helper()
	tid := mustTransport(t, reg, peerID, mediaengine.DirectionSend)
	id, err := reg.Produce(context.Background(), peerID, tid, mediaengine.KindVideo, videoParams(ssrc))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return id
}

func TestExistingProducersScenario(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := mustJoin(t, reg, "security", "peer1", &recordingSink{})
	if len(first.RtpCapabilities.Codecs) != 3 {
		t.Fatalf("expected 3 router codecs, got %d", len(first.RtpCapabilities.Codecs))
	}
	if first.ProducerIDs == nil || len(first.ProducerIDs) != 0 {
		t.Fatalf("expected empty existing producers, got %#v", first.ProducerIDs)
	}

	tid := mustTransport(t, reg, "peer1", mediaengine.DirectionSend)
	producerID, err := reg.Produce(ctx, "peer1", tid, mediaengine.KindVideo, videoParams(1))
	if err != nil || producerID == "" {
		t.Fatalf("Produce: %q, %v", producerID, err)
	}

	second := mustJoin(t, reg, "security", "peer2", &recordingSink{})
	if len(second.ProducerIDs) != 1 || second.ProducerIDs[0] != producerID {
		t.Fatalf("existing producers = %v, want [%s]", second.ProducerIDs, producerID)
	}
}

func TestRoomCollectedWhenEveryPeerLeaves(t *testing.T) {
	testCases := []struct {
		name  string
		ops   []string // "+room/peer" joins, "-peer" leaves
		rooms int
	}{
		{"single peer", []string{"+a/p1", "-p1"}, 0},
		{"two peers leave in order", []string{"+a/p1", "+a/p2", "-p1", "-p2"}, 0},
		{"two peers leave reversed", []string{"+a/p1", "+a/p2", "-p2", "-p1"}, 0},
		{"two rooms one left", []string{"+a/p1", "+b/p2", "-p1"}, 1},
		{"rejoin after empty", []string{"+a/p1", "-p1", "+a/p1", "-p1"}, 0},
		{"unknown leave ignored", []string{"+a/p1", "-ghost", "-p1", "-p1"}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg, w := newTestRegistry(t)
			for _, op := range tc.ops {
				switch op[0] {
				case '+':
					roomID, peerID, ok := strings.Cut(op[1:], "/")
					if !ok {
						t.Fatalf("bad op %q", op)
					}
					mustJoin(t, reg, roomID, peerID, &recordingSink{})
				case '-':
					reg.RemovePeer(op[1:])
				}
			}
			stats := reg.Stats()
			if stats.Rooms != tc.rooms {
				t.Fatalf("rooms = %d, want %d", stats.Rooms, tc.rooms)
			}
			if tc.rooms == 0 {
				if stats.Peers != 0 {
					t.Fatalf("peers = %d, want 0", stats.Peers)
				}
				if w.OpenRouters() != 0 {
					t.Fatalf("open routers = %d, want 0", w.OpenRouters())
				}
				if w.TotalRouterCloseCalls() != w.RoutersCreated() {
					t.Fatalf("router close calls = %d, routers created = %d", w.TotalRouterCloseCalls(), w.RoutersCreated())
				}
			}
		})
	}
}

func TestProducerVisibilityFollowsOwner(t *testing.T) {
	reg, w := newTestRegistry(t)
	watcher := &recordingSink{}
	mustJoin(t, reg, "security", "peer1", &recordingSink{})
	mustJoin(t, reg, "security", "peer2", watcher)

	producerID := mustProduce(t, reg, "peer1", 5)
	info, ok := reg.Room("security")
	if !ok || len(info.ProducerIDs) != 1 || info.ProducerIDs[0] != producerID {
		t.Fatalf("room after produce = %+v", info)
	}
	announced := watcher.byEvent(EventNewProducer)
	if len(announced) != 1 || announced[0].(NewProducerEvent) != (NewProducerEvent{ProducerID: producerID, PeerID: "peer1"}) {
		t.Fatalf("new-producer notifications = %v", announced)
	}

	reg.RemovePeer("peer1")
	info, ok = reg.Room("security")
	if !ok || len(info.ProducerIDs) != 0 || info.ParticipantCount != 1 {
		t.Fatalf("room after disconnect = %+v", info)
	}
	if w.OpenProducers() != 0 {
		t.Fatalf("engine still has %d producers", w.OpenProducers())
	}
	if closed := watcher.byEvent(EventProducerClosed); len(closed) != 1 {
		t.Fatalf("producer-closed notifications = %v", closed)
	}
}

func TestConsumeUnknownProducerCreatesNothing(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	mustJoin(t, reg, "a", "peer1", &recordingSink{})
	mustJoin(t, reg, "b", "other", &recordingSink{})
	foreign := mustProduce(t, reg, "other", 9)
	recv := mustTransport(t, reg, "peer1", mediaengine.DirectionRecv)

	for _, producerID := range []string{"does-not-exist", foreign, ""} {
		_, err := reg.Consume(ctx, "peer1", recv, producerID, mediaengine.RouterCapabilities())
		if !sfuerr.IsNotFound(err) {
			t.Fatalf("Consume(%q) err = %v, want NotFoundError", producerID, err)
		}
	}
	if w.OpenConsumers() != 0 {
		t.Fatalf("engine has %d consumers, want 0", w.OpenConsumers())
	}
}

func TestTwoConsumersAreIndependent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mustJoin(t, reg, "security", "cam-viewer-1", &recordingSink{})
	mustJoin(t, reg, "security", "cam-viewer-2", &recordingSink{})
	mustJoin(t, reg, "security", "publisher", &recordingSink{})
	producerID := mustProduce(t, reg, "publisher", 3)

	var ids []string
	for _, peerID := range []string{"cam-viewer-1", "cam-viewer-2"} {
		recv := mustTransport(t, reg, peerID, mediaengine.DirectionRecv)
		res, err := reg.Consume(ctx, peerID, recv, producerID, mediaengine.RouterCapabilities())
		if err != nil {
			t.Fatalf("Consume(%s): %v", peerID, err)
		}
		if res.Kind != mediaengine.KindVideo || res.ProducerID != producerID {
			t.Fatalf("unexpected consume result %+v", res)
		}
		if paused, _ := reg.ConsumerPaused(res.ConsumerID); !paused {
			t.Fatal("consumer must start paused")
		}
		ids = append(ids, res.ConsumerID)
	}
	if ids[0] == ids[1] {
		t.Fatalf("consumer ids collide: %s", ids[0])
	}

	if err := reg.ResumeConsumer(ctx, "cam-viewer-1", ids[0]); err != nil {
		t.Fatalf("ResumeConsumer: %v", err)
	}
	p0, _ := reg.ConsumerPaused(ids[0])
	p1, _ := reg.ConsumerPaused(ids[1])
	if p0 || !p1 {
		t.Fatalf("paused states = %v, %v; want false, true", p0, p1)
	}

	if err := reg.ResumeConsumer(ctx, "cam-viewer-1", ids[1]); !sfuerr.IsNotFound(err) {
		t.Fatalf("resuming another peer's consumer: err = %v, want NotFoundError", err)
	}
}

func TestRemovePeerClosesDependentConsumers(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	viewer := &recordingSink{}
	mustJoin(t, reg, "security", "publisher", &recordingSink{})
	mustJoin(t, reg, "security", "viewer", viewer)
	producerID := mustProduce(t, reg, "publisher", 11)
	recv := mustTransport(t, reg, "viewer", mediaengine.DirectionRecv)
	res, err := reg.Consume(ctx, "viewer", recv, producerID, mediaengine.RouterCapabilities())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	reg.RemovePeer("publisher")

	closed := viewer.byEvent(EventConsumerClosed)
	if len(closed) != 1 || closed[0].(ConsumerClosedEvent).ConsumerID != res.ConsumerID {
		t.Fatalf("consumer-closed notifications = %v", closed)
	}
	if _, ok := reg.ConsumerPaused(res.ConsumerID); ok {
		t.Fatal("consumer still registered")
	}
	if w.OpenConsumers() != 0 {
		t.Fatalf("engine still has %d consumers", w.OpenConsumers())
	}
	if err := reg.ResumeConsumer(ctx, "viewer", res.ConsumerID); !sfuerr.IsNotFound(err) {
		t.Fatalf("resume after close: %v", err)
	}
}

func TestJoinRoomIdempotentPerSink(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	sink := &recordingSink{}
	mustJoin(t, reg, "security", "peer1", sink)
	mustJoin(t, reg, "security", "peer1", sink)

	if got := reg.Stats(); got.Peers != 1 || got.Rooms != 1 {
		t.Fatalf("stats = %+v", got)
	}
	if _, err := reg.JoinRoom(ctx, "security", "peer1", &recordingSink{}); !errors.Is(err, ErrPeerConflict) {
		t.Fatalf("different sink: err = %v", err)
	}
	if _, err := reg.JoinRoom(ctx, "lobby", "peer1", sink); !errors.Is(err, ErrPeerConflict) {
		t.Fatalf("different room: err = %v", err)
	}
	if w.RoutersCreated() != 1 {
		t.Fatalf("routers created = %d, want 1", w.RoutersCreated())
	}
}

func TestCommandsRequireJoinedPeer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	dtls := mediaengine.DtlsParameters{Fingerprints: []mediaengine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}}

	checks := map[string]error{
		"create transport": func() error { _, err := reg.CreateTransport(ctx, "ghost", mediaengine.DirectionSend); return err }(),
		"connect":          reg.ConnectTransport(ctx, "ghost", "t", dtls, nil),
		"produce": func() error {
			_, err := reg.Produce(ctx, "ghost", "t", mediaengine.KindVideo, videoParams(1))
			return err
		}(),
		"consume": func() error {
			_, err := reg.Consume(ctx, "ghost", "t", "p", mediaengine.RouterCapabilities())
			return err
		}(),
		"resume": reg.ResumeConsumer(ctx, "ghost", "c"),
	}
	for name, err := range checks {
		if !sfuerr.IsNotFound(err) {
			t.Errorf("%s: err = %v, want NotFoundError", name, err)
		}
	}
}

func TestConnectTransportLifecycle(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	dtls := mediaengine.DtlsParameters{Fingerprints: []mediaengine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}}
	mustJoin(t, reg, "security", "peer1", &recordingSink{})
	tid := mustTransport(t, reg, "peer1", mediaengine.DirectionSend)

	if err := reg.ConnectTransport(ctx, "peer1", "nope", dtls, nil); !sfuerr.IsNotFound(err) {
		t.Fatalf("unknown transport: %v", err)
	}

	w.ConnectErr = errors.New("dtls alert")
	if err := reg.ConnectTransport(ctx, "peer1", tid, dtls, nil); !sfuerr.IsNegotiation(err) {
		t.Fatalf("failing handshake: %v", err)
	}
	if s, _ := reg.TransportState(tid); s != mediaengine.TransportCreated {
		t.Fatalf("state after failed connect = %s, want created", s)
	}

	w.ConnectErr = nil
	if err := reg.ConnectTransport(ctx, "peer1", tid, dtls, nil); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if s, _ := reg.TransportState(tid); s != mediaengine.TransportConnected {
		t.Fatalf("state = %s, want connected", s)
	}
	if err := reg.ConnectTransport(ctx, "peer1", tid, dtls, nil); err == nil {
		t.Fatal("second connect should fail")
	}

	reg.RemovePeer("peer1")
	if err := reg.ConnectTransport(ctx, "peer1", tid, dtls, nil); !sfuerr.IsNotFound(err) {
		t.Fatalf("closed transport: %v", err)
	}
}

func TestEngineClosedTransportNotifiesOwner(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	owner, viewer := &recordingSink{}, &recordingSink{}
	mustJoin(t, reg, "security", "peer1", owner)
	mustJoin(t, reg, "security", "peer2", viewer)

	sendID := mustTransport(t, reg, "peer1", mediaengine.DirectionSend)
	pid, err := reg.Produce(ctx, "peer1", sendID, mediaengine.KindVideo, videoParams(21))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	recvID := mustTransport(t, reg, "peer2", mediaengine.DirectionRecv)
	res, err := reg.Consume(ctx, "peer2", recvID, pid, mediaengine.RouterCapabilities())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	tr, ok := w.Transport(recvID)
	if !ok {
		t.Fatal("engine transport missing")
	}
	_ = tr.Close()

	got := viewer.byEvent(EventTransportClosed)
	if len(got) != 1 || got[0].(TransportClosedEvent).TransportID != recvID {
		t.Fatalf("transport-closed events = %v, want one for %s", got, recvID)
	}
	closed := viewer.byEvent(EventConsumerClosed)
	if len(closed) != 1 || closed[0].(ConsumerClosedEvent).ConsumerID != res.ConsumerID {
		t.Fatalf("consumer-closed events = %v", closed)
	}
	if s, _ := reg.TransportState(recvID); s != mediaengine.TransportClosed {
		t.Fatalf("state = %s, want closed", s)
	}
	if n := len(owner.byEvent(EventTransportClosed)); n != 0 {
		t.Fatalf("owner of another transport got %d transport-closed events", n)
	}

	// Transports closed by the registry itself are not reported.
	reg.RemovePeer("peer1")
	if n := len(owner.byEvent(EventTransportClosed)); n != 0 {
		t.Fatalf("leaving peer got %d transport-closed events", n)
	}
}

func TestTransportDirectionIsEnforced(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mustJoin(t, reg, "security", "peer1", &recordingSink{})
	recv := mustTransport(t, reg, "peer1", mediaengine.DirectionRecv)
	if _, err := reg.Produce(ctx, "peer1", recv, mediaengine.KindAudio, audioParams(1)); err == nil {
		t.Fatal("produce on a receive transport should fail")
	}
	send := mustTransport(t, reg, "peer1", mediaengine.DirectionSend)
	pid := mustProduce(t, reg, "peer1", 2)
	if _, err := reg.Consume(ctx, "peer1", send, pid, mediaengine.RouterCapabilities()); err == nil {
		t.Fatal("consume on a send transport should fail")
	}
	if _, err := reg.CreateTransport(ctx, "peer1", mediaengine.DirectionPlain); err == nil {
		t.Fatal("clients cannot create plain transports")
	}
}

func TestIncompatibleConsumeIsRejected(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	mustJoin(t, reg, "security", "publisher", &recordingSink{})
	mustJoin(t, reg, "security", "viewer", &recordingSink{})
	pid := mustProduce(t, reg, "publisher", 4)
	recv := mustTransport(t, reg, "viewer", mediaengine.DirectionRecv)

	vp8Only := mediaengine.RtpCapabilities{Codecs: []mediaengine.RtpCodecCapability{{
		Kind: mediaengine.KindVideo, MimeType: mediaengine.MimeTypeVP8, ClockRate: 90000,
	}}}
	if _, err := reg.Consume(ctx, "viewer", recv, pid, vp8Only); !sfuerr.IsIncompatible(err) {
		t.Fatalf("err = %v, want IncompatibleCapabilitiesError", err)
	}
	if w.OpenConsumers() != 0 {
		t.Fatal("incompatible consume created a consumer")
	}
}

func TestIngestOwnerKeepsRoomAlive(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()

	video, err := reg.CreateIngestTransport(ctx, "security", "cam01", mediaengine.KindVideo)
	if err != nil {
		t.Fatalf("CreateIngestTransport: %v", err)
	}
	audio, err := reg.CreateIngestTransport(ctx, "security", "cam01", mediaengine.KindAudio)
	if err != nil {
		t.Fatalf("CreateIngestTransport: %v", err)
	}
	if video.IP != "127.0.0.1" || video.Port == audio.Port {
		t.Fatalf("unexpected transport addresses %+v %+v", video, audio)
	}

	viewer := &recordingSink{}
	mustJoin(t, reg, "security", "viewer", viewer)

	vid, err := reg.ProduceIngest(ctx, "security", "cam01", video.ID, mediaengine.KindVideo, videoParams(11110001))
	if err != nil {
		t.Fatalf("ProduceIngest video: %v", err)
	}
	if _, err := reg.ProduceIngest(ctx, "security", "cam01", audio.ID, mediaengine.KindAudio, audioParams(22220001)); err != nil {
		t.Fatalf("ProduceIngest audio: %v", err)
	}
	if got := viewer.byEvent(EventNewProducer); len(got) != 2 || got[0].(NewProducerEvent).PeerID != "cam01" {
		t.Fatalf("new-producer notifications = %v", got)
	}
	if ids := reg.IngestProducers("cam01"); len(ids) != 2 {
		t.Fatalf("ingest producers = %v", ids)
	}

	reg.RemovePeer("viewer")
	info, ok := reg.Room("security")
	if !ok || len(info.ProducerIDs) != 2 || info.ParticipantCount != 0 {
		t.Fatalf("room should survive with camera producers: %+v %v", info, ok)
	}
	if info.ProducerIDs[0] != vid {
		t.Fatalf("producer order = %v", info.ProducerIDs)
	}

	reg.ReleaseIngest("security", "cam01")
	if _, ok := reg.Room("security"); ok {
		t.Fatal("room should be collected after release")
	}
	if w.OpenTransports() != 0 || w.OpenProducers() != 0 || w.OpenRouters() != 0 {
		t.Fatalf("leaked engine objects: transports=%d producers=%d routers=%d",
			w.OpenTransports(), w.OpenProducers(), w.OpenRouters())
	}
	if w.TotalRouterCloseCalls() != 1 {
		t.Fatalf("router closed %d times, want 1", w.TotalRouterCloseCalls())
	}
}

func TestProducerClosedByEngineIsForgotten(t *testing.T) {
	reg, w := newTestRegistry(t)
	mustJoin(t, reg, "security", "peer1", &recordingSink{})
	pid := mustProduce(t, reg, "peer1", 8)

	p, ok := w.Producer(pid)
	if !ok {
		t.Fatal("engine producer missing")
	}
	_ = p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, _ := reg.Room("security")
		if len(info.ProducerIDs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("producer still listed: %v", info.ProducerIDs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentJoinLeaveClosesEachRouterOnce(t *testing.T) {
	reg, w := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				peerID := fmt.Sprintf("peer-%d-%d", i, j)
				if _, err := reg.JoinRoom(context.Background(), fmt.Sprintf("room-%d", j%3), peerID, &recordingSink{}); err != nil {
					t.Errorf("JoinRoom: %v", err)
					return
				}
				reg.RemovePeer(peerID)
			}
		}(i)
	}
	wg.Wait()

	if s := reg.Stats(); s.Rooms != 0 || s.Peers != 0 {
		t.Fatalf("stats = %+v, want empty", s)
	}
	if w.OpenRouters() != 0 {
		t.Fatalf("open routers = %d", w.OpenRouters())
	}
	if w.TotalRouterCloseCalls() != w.RoutersCreated() {
		t.Fatalf("close calls %d != routers created %d", w.TotalRouterCloseCalls(), w.RoutersCreated())
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	reg, w := newTestRegistry(t)
	ctx := context.Background()
	mustJoin(t, reg, "security", "peer1", &recordingSink{})
	mustProduce(t, reg, "peer1", 1)
	if _, err := reg.CreateIngestTransport(ctx, "security", "cam01", mediaengine.KindVideo); err != nil {
		t.Fatalf("CreateIngestTransport: %v", err)
	}

	reg.Close()
	if w.OpenRouters() != 0 || w.OpenTransports() != 0 || w.OpenProducers() != 0 {
		t.Fatal("engine objects left after Close")
	}
	if _, err := reg.JoinRoom(ctx, "security", "peer2", &recordingSink{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after close: %v", err)
	}
}
