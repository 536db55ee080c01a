package discovery

import "testing"

func TestDefaultAddrs(t *testing.T) {
	if got := DefaultGRPCAddr(ServiceRealtime); got != "realtime:8096" {
		t.Fatalf("DefaultGRPCAddr = %q", got)
	}
	if got := DefaultHTTPAddr(ServiceRealtime); got != "realtime:8095" {
		t.Fatalf("DefaultHTTPAddr = %q", got)
	}
	if got := DefaultHTTPAddr(ServiceJaeger); got != "jaeger:16686" {
		t.Fatalf("DefaultHTTPAddr(jaeger) = %q", got)
	}
	if got := DefaultGRPCAddr("unknown"); got != "" {
		t.Fatalf("unknown service addr = %q", got)
	}
}

func TestDefaultPorts(t *testing.T) {
	if DefaultHTTPPort(" realtime ") != 8095 || DefaultGRPCPort(ServiceRealtime) != 8096 {
		t.Fatal("unexpected realtime ports")
	}
	if DefaultGRPCPort(ServiceJaeger) != 0 {
		t.Fatal("jaeger has no grpc port")
	}
}

func TestOrDefaultGRPCAddr(t *testing.T) {
	if got := OrDefaultGRPCAddr(" custom:9000 ", ServiceRealtime); got != "custom:9000" {
		t.Fatalf("expected explicit grpc addr to win, got %q", got)
	}
	if got := OrDefaultGRPCAddr("", ServiceRealtime); got != "realtime:8096" {
		t.Fatalf("expected default grpc addr, got %q", got)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		"localhost:8095":         "ws://localhost:8095/ws",
		"wss://party.example/ws": "wss://party.example/ws",
	}
	for in, want := range cases {
		if got := WebsocketURL(in); got != want {
			t.Fatalf("WebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
