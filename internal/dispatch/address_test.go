package dispatch

import "testing"

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare digits", in: "15551234567", want: "15551234567@c.us"},
		{name: "plus prefix stripped", in: "+15551234567", want: "15551234567@c.us"},
		{name: "canonical passes through", in: "15551234567@c.us", want: "15551234567@c.us"},
		{name: "surrounding whitespace", in: "  15551234567 ", want: "15551234567@c.us"},
		{name: "empty", in: "", wantErr: true},
		{name: "letters", in: "alice", wantErr: true},
		{name: "digits with dashes", in: "1-555-123-4567", wantErr: true},
		{name: "too short", in: "123456", wantErr: true},
		{name: "too long", in: "1234567890123456", wantErr: true},
		{name: "canonical with bad local part", in: "abc@c.us", wantErr: true},
		{name: "plus inside canonical", in: "+15551234567@c.us", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeTarget(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeTarget(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeTarget(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeTarget(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeTargetEquivalence(t *testing.T) {
	t.Parallel()

	// The international-prefix marker must not change the routing address.
	a, err := NormalizeTarget("+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NormalizeTarget("15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("prefixed and bare forms diverge: %q vs %q", a, b)
	}
}
