package discovery

import (
	"encoding/base64"
	"testing"

	"librevault-go/internal/secret"
)

func TestBeaconEncryptDecryptRoundTrip(t *testing.T) {
	owner, err := secret.NewOwner()
	if err != nil {
		t.Fatal(err)
	}
	key, err := beaconKey(owner)
	if err != nil {
		t.Fatal(err)
	}

	addrs := []string{"/ip4/10.0.0.5/tcp/6512"}
	b, err := NewBeacon(owner, "239.255.77.88", 27814, addrs, []byte("node-pub"), nil)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := b.encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := decryptBeacon(pkt, key)
	if err != nil {
		t.Fatalf("decrypt with matching key: %v", err)
	}
	wantFolder := folderIDB64(t, owner)
	if got.FolderID != wantFolder {
		t.Fatalf("folder id mismatch: got %q want %q", got.FolderID, wantFolder)
	}
	if len(got.Addrs) != 1 || got.Addrs[0] != addrs[0] {
		t.Fatalf("addrs mismatch: got %v", got.Addrs)
	}
}

func TestBeaconDecryptRejectsWrongKey(t *testing.T) {
	owner, err := secret.NewOwner()
	if err != nil {
		t.Fatal(err)
	}
	other, err := secret.NewOwner()
	if err != nil {
		t.Fatal(err)
	}

	b, err := NewBeacon(owner, "239.255.77.88", 27814, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := b.encode()
	if err != nil {
		t.Fatal(err)
	}

	wrongKey, err := beaconKey(other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decryptBeacon(pkt, wrongKey); err == nil {
		t.Fatal("expected decrypt under the wrong folder's key to fail")
	}
}

func folderIDB64(t *testing.T, sec secret.Secret) string {
	t.Helper()
	id, err := sec.DeriveFolderID()
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(id[:])
}
