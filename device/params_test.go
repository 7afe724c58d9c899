package device

import "testing"

func TestValidateRequiresChardevAndTag(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for missing chardev/tag")
	}
	p.Chardev = "/dev/vhost-fs"
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for missing tag")
	}
	p.Tag = "myfs"
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsSecondRequestQueue(t *testing.T) {
	p := DefaultParams()
	p.Chardev = "/dev/vhost-fs"
	p.Tag = "myfs"
	p.NumRequestQueues = 2
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for more than one request queue")
	}
}

func TestValidateRejectsNonPowerOfTwoCacheSize(t *testing.T) {
	p := DefaultParams()
	p.Chardev = "/dev/vhost-fs"
	p.Tag = "myfs"
	p.CacheSize = 5000
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two cache size")
	}
}

func TestValidateAcceptsZeroCacheSize(t *testing.T) {
	p := DefaultParams()
	p.Chardev = "/dev/vhost-fs"
	p.Tag = "myfs"
	p.CacheSize = 0
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
