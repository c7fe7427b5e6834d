package bytesize

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"5Mi", 5 * MiB},
		{"5MiB", 5 * MiB},
		{"50mi", 50 * MiB},
		{"1Gi", GiB},
		{"100MB", 100 * MB},
		{"2k", 2 * KB},
		{"1.5Ki", ByteSize(1536)},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5Xi", "-1"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		in   ByteSize
		want string
	}{
		{5 * MiB, "5Mi"},
		{GiB, "1Gi"},
		{2 * KiB, "2Ki"},
		{1536, "1536"}, // not an exact binary multiple, falls back to bytes
	}
	for _, tc := range cases {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("String(%d) = %s, want %s", int64(tc.in), got, tc.want)
		}
	}
}
