package reliability

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindConnectionFailed},
		{"net timeout", fakeTimeoutErr{}, KindTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), KindConnectionFailed},
		{"protocol error", errors.New("bad apdu: unexpected response"), KindProtocolError},
		{"invalid register", errors.New("illegal data address"), KindInvalidRegister},
		{"device busy", errors.New("device busy, try later"), KindDeviceBusy},
		{"pool exhausted", errors.New("pool exhausted: acquire timeout"), KindPoolExhausted},
		{"unknown", errors.New("some weird failure"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindConnectionFailed, KindTimeout, KindDeviceBusy, KindUnknown}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	nonRetryable := []Kind{KindProtocolError, KindInvalidRegister, KindCircuitOpen}
	for _, k := range nonRetryable {
		if k.Retryable() {
			t.Errorf("expected %s to be non-retryable", k)
		}
	}
}

func TestClassify_NetOpError(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if got := Classify(err); got != KindConnectionFailed {
		t.Fatalf("expected KindConnectionFailed, got %s", got)
	}
}
