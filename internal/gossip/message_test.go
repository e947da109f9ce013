package gossip

import "testing"

func TestHaveMetaRoundTrip(t *testing.T) {
	want := HaveMeta{PathHash: [32]byte{1, 2, 3}, Revision: 42}
	got, err := decodeHaveMeta(encodeHaveMeta(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMetaReplyRoundTrip(t *testing.T) {
	want := MetaReply{MetaBytes: []byte("meta-bytes"), Signature: []byte("sig")}
	got, err := decodeMetaReply(encodeMetaReply(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.MetaBytes) != string(want.MetaBytes) || string(got.Signature) != string(want.Signature) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestChunkReplyRoundTrip(t *testing.T) {
	want := ChunkReply{CtHash: [32]byte{9}, Offset: 0, Total: 3, Bytes: []byte{1, 2, 3}}
	got, err := decodeChunkReply(encodeChunkReply(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CtHash != want.CtHash || got.Offset != want.Offset || got.Total != want.Total || string(got.Bytes) != string(want.Bytes) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	want := Handshake{FolderID: [32]byte{1}, NodePub: []byte("pub"), AuthToken: []byte("tok")}
	got, err := decodeHandshake(encodeHandshake(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FolderID != want.FolderID || string(got.NodePub) != string(want.NodePub) || string(got.AuthToken) != string(want.AuthToken) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeHaveMetaRejectsBadLength(t *testing.T) {
	if _, err := decodeHaveMeta([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on truncated have_meta payload")
	}
}
