package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/openrover/fieldlink/internal/packet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(kind Kind, addr string) Config {
	return Config{
		Kind:           kind,
		Addr:           addr,
		StreamName:     "video",
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		Logger:         testLogger(),
	}
}

func mustReceive(t *testing.T, r Receiver) *packet.Packet {
	t.Helper()
	select {
	case p, ok := <-r.Packets():
		if !ok {
			t.Fatal("packet channel closed")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for packet")
	}
	return nil
}

func TestUnknownKind(t *testing.T) {
	if _, err := Dial(testConfig(Kind("carrier-pigeon"), "127.0.0.1:0")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Dial: expected ErrUnknownKind, got %v", err)
	}
	if _, err := Listen(testConfig(Kind(""), "127.0.0.1:0")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Listen: expected ErrUnknownKind, got %v", err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	recv, err := Listen(testConfig(KindStream, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	sess, err := Dial(testConfig(KindStream, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	for seq := uint32(1); seq <= 5; seq++ {
		p := &packet.Packet{
			Sequence:       seq,
			TimestampMS:    uint64(seq) * 20,
			AlgorithmDelay: 3,
			Payload:        []byte{byte(seq), 0xAA, 0xBB},
		}
		if err := sess.Send(p); err != nil {
			t.Fatalf("Send %d failed: %v", seq, err)
		}
	}

	for seq := uint32(1); seq <= 5; seq++ {
		p := mustReceive(t, recv)
		if p.Sequence != seq {
			t.Fatalf("expected seq %d, got %d", seq, p.Sequence)
		}
		if p.AlgorithmDelay != 3 {
			t.Errorf("algorithm delay lost in transit: %d", p.AlgorithmDelay)
		}
		if p.Payload[0] != byte(seq) {
			t.Errorf("payload corrupted for seq %d", seq)
		}
	}

	// Close half-closes the stream and collects the terminal ack.
	if err := sess.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	st := sess.Stats()
	if st.PacketsSent != 5 {
		t.Errorf("expected 5 packets sent, got %d", st.PacketsSent)
	}
	rst := recv.Stats()
	if rst.PacketsReceived != 5 {
		t.Errorf("expected 5 packets received, got %d", rst.PacketsReceived)
	}
}

func TestStreamSendAfterClose(t *testing.T) {
	recv, err := Listen(testConfig(KindStream, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	sess, err := Dial(testConfig(KindStream, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	sess.Close()

	if err := sess.Send(&packet.Packet{Sequence: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStreamSupersession(t *testing.T) {
	recv, err := Listen(testConfig(KindStream, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	first, err := Dial(testConfig(KindStream, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial first failed: %v", err)
	}
	if err := first.Send(&packet.Packet{Sequence: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if p := mustReceive(t, recv); p.Sequence != 1 {
		t.Fatalf("expected seq 1 from first producer, got %d", p.Sequence)
	}

	second, err := Dial(testConfig(KindStream, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial second failed: %v", err)
	}
	defer second.Close()

	// The receiver adopts the new connection and closes the old one.
	deadline := time.Now().Add(2 * time.Second)
	for recv.Stats().Supersessions == 0 {
		if time.Now().After(deadline) {
			t.Fatal("supersession never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := second.Send(&packet.Packet{Sequence: 100, Payload: []byte("b")}); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if p := mustReceive(t, recv); p.Sequence != 100 {
		t.Fatalf("expected seq 100 from new producer, got %d", p.Sequence)
	}

	// The displaced producer's connection is dead; sends fail eventually.
	var sendErr error
	for i := 0; i < 50 && sendErr == nil; i++ {
		sendErr = first.Send(&packet.Packet{Sequence: 2})
		time.Sleep(10 * time.Millisecond)
	}
	if sendErr == nil {
		t.Error("superseded producer could still send")
	}
	first.Close()
}

func TestStreamMalformedFrameDropsProducer(t *testing.T) {
	recv, err := Listen(testConfig(KindStream, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	conn, err := net.Dial("tcp", recv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// A header declaring an absurd payload length is rejected and the
	// connection torn down rather than delivering garbage.
	bad := make([]byte, packet.StreamHeaderSize)
	bad[16] = 0xFF // length field high byte
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for recv.Stats().DecodeFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decode failure never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	recv, err := Listen(testConfig(KindDatagram, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	sess, err := Dial(testConfig(KindDatagram, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sess.Close()

	want := &packet.Packet{Sequence: 7, TimestampMS: 140, Payload: []byte("opus frame")}
	if err := sess.Send(want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := mustReceive(t, recv)
	if got.Sequence != 7 || got.TimestampMS != 140 || string(got.Payload) != "opus frame" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestDatagramOversizeRejected(t *testing.T) {
	recv, err := Listen(testConfig(KindDatagram, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	sess, err := Dial(testConfig(KindDatagram, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sess.Close()

	big := &packet.Packet{Sequence: 1, Payload: make([]byte, packet.MaxDatagramPayload+1)}
	if err := sess.Send(big); !errors.Is(err, ErrSend) {
		t.Errorf("expected ErrSend for oversize payload, got %v", err)
	}
	if sess.Stats().PacketsSent != 0 {
		t.Error("oversize payload counted as sent")
	}
}

func TestDatagramMalformedCountedNotFatal(t *testing.T) {
	recv, err := Listen(testConfig(KindDatagram, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	raw, err := net.Dial("udp", recv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer raw.Close()

	// Truncated header: counted, skipped, and the receiver keeps serving.
	if _, err := raw.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for recv.Stats().DecodeFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decode failure never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	buf, err := (&packet.Packet{Sequence: 9, Payload: []byte("ok")}).MarshalDatagram()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := raw.Write(buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if p := mustReceive(t, recv); p.Sequence != 9 {
		t.Errorf("expected seq 9 after malformed datagram, got %d", p.Sequence)
	}
}

func TestDatagramSourceSupersession(t *testing.T) {
	recv, err := Listen(testConfig(KindDatagram, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer recv.Close()

	a, err := Dial(testConfig(KindDatagram, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial a failed: %v", err)
	}
	defer a.Close()
	b, err := Dial(testConfig(KindDatagram, recv.Addr()))
	if err != nil {
		t.Fatalf("Dial b failed: %v", err)
	}
	defer b.Close()

	if err := a.Send(&packet.Packet{Sequence: 1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	mustReceive(t, recv)
	if err := b.Send(&packet.Packet{Sequence: 2}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	mustReceive(t, recv)

	if recv.Stats().Supersessions != 1 {
		t.Errorf("expected 1 supersession, got %d", recv.Stats().Supersessions)
	}

	// Last-address-wins: the displaced source re-supersedes when it sends
	// again, and its datagram is still delivered.
	if err := a.Send(&packet.Packet{Sequence: 3}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if p := mustReceive(t, recv); p.Sequence != 3 {
		t.Errorf("expected seq 3 from returning source, got %d", p.Sequence)
	}
	if recv.Stats().Supersessions != 2 {
		t.Errorf("expected 2 supersessions after flip-flop, got %d", recv.Stats().Supersessions)
	}
}
