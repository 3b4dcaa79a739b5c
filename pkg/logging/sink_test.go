package logging

import (
	"slices"
	"testing"
)

func TestSinkWriter(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		flush  bool
		want   []string
	}{
		{"one line", []string{"a\n"}, false, []string{"a"}},
		{"two lines in one write", []string{"a\nb\n"}, false, []string{"a", "b"}},
		{"split across writes", []string{"he", "llo\nwor", "ld\n"}, false, []string{"hello", "world"}},
		{"partial held", []string{"partial"}, false, nil},
		{"partial flushed", []string{"partial"}, true, []string{"partial"}},
		{"empty line", []string{"\n"}, false, []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			w := NewSinkWriter(LineWriterFunc(func(l string) { got = append(got, l) }))
			for _, s := range tt.writes {
				n, err := w.Write([]byte(s))
				if err != nil || n != len(s) {
					t.Fatalf("Write(%q) = %d, %v", s, n, err)
				}
			}
			if tt.flush {
				w.Flush()
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	w := NewSinkWriter(Discard)
	if _, err := w.Write([]byte("dropped\n")); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}
