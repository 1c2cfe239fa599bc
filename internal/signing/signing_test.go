package signing

import "testing"

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	sig := s.Sign("job123", "VOL001/VOL001.dat", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("job123", "VOL001/VOL001.dat", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("other-job", "VOL001/VOL001.dat", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong job id")
	}
	if s.Validate("job123", "VOL001/VOL001.opt", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong path")
	}
	if s.Validate("job123", "VOL001/VOL001.dat", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("job123", "VOL001/VOL001.dat", "notanumber", sig) {
		t.Fatalf("expected validation to fail for malformed expiry")
	}
}
