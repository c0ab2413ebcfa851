package netutil

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := IsPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestCheckURL(t *testing.T) {
	ctx := context.Background()
	if err := CheckURL(ctx, "http://127.0.0.1:8080/feed"); !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("loopback err = %v, want ErrPrivateAddress", err)
	}
	if err := CheckURL(ctx, "ftp://example.com/feed"); err == nil {
		t.Error("ftp scheme accepted")
	}
	if err := CheckURL(ctx, "https://93.184.216.34/feed"); err != nil {
		t.Errorf("public address rejected: %v", err)
	}
}

func TestDenyPrivate(t *testing.T) {
	if err := DenyPrivate("tcp", "10.0.0.5:443", nil); !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("DenyPrivate(10.0.0.5) = %v", err)
	}
	if err := DenyPrivate("tcp", "8.8.8.8:443", nil); err != nil {
		t.Errorf("DenyPrivate(8.8.8.8) = %v", err)
	}
}
