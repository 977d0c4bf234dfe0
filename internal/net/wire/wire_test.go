package wire

import (
	"bytes"
	"errors"
	"testing"

	"lockstep/internal/codec"
	"lockstep/internal/transport"
)

func TestEnvelopesSurviveEncoding(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"hello", Hello(3, 1, 512, []transport.PeerID{1, 2, 3})},
		{"joined", Presence(KindJoined, 7)},
		{"left", Presence(KindLeft, 300)},
		{"authority", Presence(KindAuthority, 2)},
		{"heartbeat", Presence(KindHeartbeat, 9)},
		{"frame", Frame(4, transport.SlotForPeer(4), []byte{0xFD, 1, 2})},
		{"empty frame", Frame(0, transport.SlotTick, nil)},
		{"rejected", Result(transport.SlotLateJoiner, false)},
		{"accepted", Result(transport.SlotForPeer(12), true)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.env.Encode())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			want := tc.env
			if got.Kind != want.Kind || got.Peer != want.Peer || got.Authority != want.Authority ||
				got.MaxFrame != want.MaxFrame || got.Slot != want.Slot || got.OK != want.OK {
				t.Fatalf("expected %+v, got %+v", want, got)
			}
			if !bytes.Equal(got.Data, want.Data) {
				t.Fatalf("expected data %v, got %v", want.Data, got.Data)
			}
			if len(got.Peers) != len(want.Peers) {
				t.Fatalf("expected peers %v, got %v", want.Peers, got.Peers)
			}
			for i := range want.Peers {
				if got.Peers[i] != want.Peers[i] {
					t.Fatalf("expected peers %v, got %v", want.Peers, got.Peers)
				}
			}
		})
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	if _, err := Decode([]byte{0x42}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode(nil); !errors.Is(err, codec.ErrShortBuffer) {
		t.Fatalf("expected short buffer on empty input, got %v", err)
	}
	frame := Frame(1, transport.SlotTick, []byte("abc")).Encode()
	if _, err := Decode(frame[:len(frame)-1]); err == nil {
		t.Fatal("expected truncated frame to fail")
	}
	if _, err := Decode(append(Result(1, true).Encode(), 0)); err == nil {
		t.Fatal("expected trailing bytes to fail")
	}
	hello := []byte{uint8(KindHello), 1, 1, 0x40, 50}
	if _, err := Decode(hello); !errors.Is(err, codec.ErrShortBuffer) {
		t.Fatalf("expected oversized peer count to fail, got %v", err)
	}
}
