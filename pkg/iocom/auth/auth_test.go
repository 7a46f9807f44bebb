package auth

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	creds := Credentials{
		DeviceName:    "gina3",
		DeviceNr:      70000,
		NetworkName:   "cafenet",
		Password:      "s3cret",
		ConnectUp:     true,
		Bidirectional: true,
	}
	payload := Encode(creds)

	got, err := Decode(payload, false /* not a listener */)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceName != creds.DeviceName || got.DeviceNr != creds.DeviceNr ||
		got.NetworkName != creds.NetworkName || got.Password != creds.Password ||
		got.ConnectUp != creds.ConnectUp || got.Bidirectional != creds.Bidirectional {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, creds)
	}
}

func TestListenerInvertsConnectUp(t *testing.T) {
	creds := Credentials{DeviceName: "gina3", ConnectUp: true}
	payload := Encode(creds)

	got, err := Decode(payload, true /* listener */)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConnectUp {
		t.Fatal("a listener accepting a peer's upward claim should see itself as downward")
	}
}

func TestStateReady(t *testing.T) {
	var s State
	if s.Ready() {
		t.Fatal("fresh state should not be ready")
	}
	s.Sent = true
	if s.Ready() {
		t.Fatal("should not be ready with only one side done")
	}
	s.Received = true
	if !s.Ready() {
		t.Fatal("expected ready once both sides are done")
	}
}

func TestEncodeSmallDeviceNrUsesOneByte(t *testing.T) {
	payload := Encode(Credentials{DeviceNr: 5})
	if payload[0]&(FlagDeviceNr2Bytes|FlagDeviceNr4Bytes) != 0 {
		t.Fatalf("expected no width flags for a small device_nr, got flags=%x", payload[0])
	}
}
