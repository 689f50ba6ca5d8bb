package irc

import "testing"

func TestRFC1459Canonical(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"#Chan", "#chan"},
		{"#chan", "#chan"},
		{"Nick[away]", "nick{away}"},
		{`back\slash`, "back|slash"},
		{"CAR^ET", "car~et"},
		{"til~de", "til~de"},
		{"", ""},
		{"#ünïcode", "#ünïcode"},
	}
	for _, tt := range tests {
		if got := (RFC1459{}).Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
