package cborcanon

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		in   map[string]int
	}{
		{"empty", map[string]int{}},
		{"single key", map[string]int{"a": 1}},
		{"multiple keys out of order", map[string]int{"z": 26, "a": 1, "m": 13}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out map[string]int
			if err := Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(out) != len(tc.in) {
				t.Fatalf("round trip changed map size: got %d, want %d", len(out), len(tc.in))
			}
			for k, v := range tc.in {
				if out[k] != v {
					t.Errorf("key %q: got %d, want %d", k, out[k], v)
				}
			}
		})
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	m := map[string]int{"z": 1, "a": 2, "m": 3}
	a, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Error("two encodings of the same map differ")
	}
	if !IsCanonical(a) {
		t.Error("output of Marshal is not reported canonical")
	}
}
