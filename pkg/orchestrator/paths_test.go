package orchestrator

import "testing"

func TestShortPath(t *testing.T) {
	cases := []struct {
		root, abs, want string
		ok              bool
	}{
		{"/mnt/data", "/mnt/data/foo/bar.txt", "foo/bar.txt", true},
		{"/mnt/data", "/mnt/data", ".", true},
		{"/mnt/data/", "/mnt/data/foo", "foo", true},
		{"/mnt/data", "/mnt/other/foo", "", false},
		{"/mnt/data", "/mnt/datafoo", "", false},
	}
	for _, c := range cases {
		got, ok := shortPath(c.root, c.abs)
		if ok != c.ok || got != c.want {
			t.Errorf("shortPath(%q, %q) = (%q, %v), want (%q, %v)", c.root, c.abs, got, ok, c.want, c.ok)
		}
	}
}

func TestFullPath(t *testing.T) {
	if got := fullPath("/mnt/data", "foo/bar.txt"); got != "/mnt/data/foo/bar.txt" {
		t.Errorf("fullPath = %q", got)
	}
}

func TestShortPathFullPathRoundTrip(t *testing.T) {
	root := "/mnt/data"
	abs := "/mnt/data/a/b/c.bin"
	short, ok := shortPath(root, abs)
	if !ok {
		t.Fatalf("shortPath failed")
	}
	if got := fullPath(root, short); got != abs {
		t.Errorf("round trip = %q, want %q", got, abs)
	}
}
