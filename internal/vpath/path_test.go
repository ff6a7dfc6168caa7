package vpath

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"a", "a"},
		{"/a/b/", "a/b"},
		{"a//b///c", "a/b/c"},
		{"//photos", "photos"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		base, seg, want string
		wantErr         bool
	}{
		{"", "a", "a", false},
		{"a", "b", "a/b", false},
		{"/a/", "b", "a/b", false},
		{"a", "", "", true},
		{"a", "b/c", "", true},
		{"", "/", "", true},
	}
	for _, tt := range tests {
		got, err := Join(tt.base, tt.seg)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSegment) {
				t.Errorf("Join(%q, %q) err = %v, want ErrInvalidSegment", tt.base, tt.seg, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Join(%q, %q): %v", tt.base, tt.seg, err)
		}
		if got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.base, tt.seg, got, tt.want)
		}
	}
}

func TestJoinSplitRoundTrip(t *testing.T) {
	for _, p := range []string{"", "a", "/a/b/", "a//b/c", "x/y/z/"} {
		joined, err := JoinAll("", Split(p)...)
		if err != nil {
			t.Fatalf("JoinAll(Split(%q)): %v", p, err)
		}
		if joined != Normalize(p) {
			t.Errorf("JoinAll(Split(%q)) = %q, want %q", p, joined, Normalize(p))
		}
	}
}

func TestBreadcrumbs(t *testing.T) {
	got := Breadcrumbs("a/b/c")
	want := []Crumb{{"a", "a"}, {"b", "a/b"}, {"c", "a/b/c"}}
	if len(got) != len(want) {
		t.Fatalf("got %d crumbs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("crumb %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if n := len(Breadcrumbs("")); n != 0 {
		t.Errorf("Breadcrumbs(\"\") has %d crumbs, want 0", n)
	}
}

func TestBreadcrumbsGrowWithJoin(t *testing.T) {
	segs := []string{"photos", "2024", "summer", "beach"}
	p := ""
	for _, s := range segs {
		var err error
		if p, err = Join(p, s); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	crumbs := Breadcrumbs(p)
	if len(crumbs) != len(segs) {
		t.Fatalf("got %d crumbs, want %d", len(crumbs), len(segs))
	}
	for i := 1; i < len(crumbs); i++ {
		prev, cur := crumbs[i-1].Path, crumbs[i].Path
		if !strings.HasPrefix(cur, prev+"/") {
			t.Errorf("crumb %q does not extend %q", cur, prev)
		}
	}
	if crumbs[len(crumbs)-1].Path != p {
		t.Errorf("last crumb = %q, want %q", crumbs[len(crumbs)-1].Path, p)
	}
}

func TestBaseDir(t *testing.T) {
	tests := []struct {
		p, base, dir string
	}{
		{"", "", ""},
		{"a", "a", ""},
		{"a/b/c.txt", "c.txt", "a/b"},
		{"/a/b/", "b", "a"},
	}
	for _, tt := range tests {
		if got := Base(tt.p); got != tt.base {
			t.Errorf("Base(%q) = %q, want %q", tt.p, got, tt.base)
		}
		if got := Dir(tt.p); got != tt.dir {
			t.Errorf("Dir(%q) = %q, want %q", tt.p, got, tt.dir)
		}
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if err := ValidName(name); !errors.Is(err, ErrInvalidSegment) {
			t.Errorf("ValidName(%q) = %v, want ErrInvalidSegment", name, err)
		}
	}
	for _, name := range []string{"a", "file.png", ".hidden", "with space"} {
		if err := ValidName(name); err != nil {
			t.Errorf("ValidName(%q) = %v, want nil", name, err)
		}
	}
}
