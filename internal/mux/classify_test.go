package mux

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want Class
	}{
		{"empty", nil, ClassUnknown},
		{"stun low", []byte{0x00, 1, 2}, ClassSTUN},
		{"stun high", []byte{0x03, 1, 2}, ClassSTUN},
		{"dtls low", []byte{20, 1, 2}, ClassDTLS},
		{"dtls high", []byte{63, 1, 2}, ClassDTLS},
		{"srtp low", []byte{128, 1, 2}, ClassSRTP},
		{"srtp high", []byte{191, 1, 2}, ClassSRTP},
		{"gap", []byte{64, 1, 2}, ClassUnknown},
		{"above srtp", []byte{200}, ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.buf); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.buf, got, tc.want)
			}
		})
	}
}
