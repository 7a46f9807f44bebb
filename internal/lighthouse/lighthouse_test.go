package lighthouse

import "testing"

type stubClient struct {
	addr string
	err  error
}

func (s stubClient) ConnectString(networkName string) (string, error) {
	return s.addr, s.err
}

func TestResolveUsesExplicitAddrWithoutConsultingLighthouse(t *testing.T) {
	got, err := Resolve(nil, "192.168.1.5:6368", "testnet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "192.168.1.5:6368" {
		t.Fatalf("got %q, want the explicit address unchanged", got)
	}
}

func TestResolveFallsBackToLighthouseForAsterisk(t *testing.T) {
	lh := stubClient{addr: "10.0.0.9:6368"}
	got, err := Resolve(lh, "*", "testnet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "10.0.0.9:6368" {
		t.Fatalf("got %q, want %q", got, "10.0.0.9:6368")
	}
}

func TestResolveFallsBackToLighthouseForEmptyAddr(t *testing.T) {
	lh := stubClient{addr: "10.0.0.9:6368"}
	got, err := Resolve(lh, "", "testnet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "10.0.0.9:6368" {
		t.Fatalf("got %q, want %q", got, "10.0.0.9:6368")
	}
}

func TestResolveWithoutLighthouseConfiguredErrors(t *testing.T) {
	if _, err := Resolve(nil, "*", "testnet"); err != ErrNoAddress {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}

func TestResolvePropagatesLighthouseError(t *testing.T) {
	lh := stubClient{err: ErrNoAddress}
	if _, err := Resolve(lh, "*", "testnet"); err != ErrNoAddress {
		t.Fatalf("err = %v, want ErrNoAddress", err)
	}
}
