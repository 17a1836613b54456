package supervisor

import "testing"

func TestLongestPrefixMatchPrefersMoreSpecificRoot(t *testing.T) {
	roots := []string{"/mnt/data", "/mnt/data/nested"}
	got, ok := longestPrefixMatch("/mnt/data/nested/file.bin", roots)
	if !ok || got != "/mnt/data/nested" {
		t.Fatalf("longestPrefixMatch = (%q, %v), want (/mnt/data/nested, true)", got, ok)
	}
}

func TestLongestPrefixMatchExactRoot(t *testing.T) {
	roots := []string{"/mnt/data"}
	got, ok := longestPrefixMatch("/mnt/data", roots)
	if !ok || got != "/mnt/data" {
		t.Fatalf("expected the root itself to match, got (%q, %v)", got, ok)
	}
}

func TestLongestPrefixMatchNoMatch(t *testing.T) {
	roots := []string{"/mnt/data"}
	if _, ok := longestPrefixMatch("/mnt/other/file", roots); ok {
		t.Fatalf("expected no match for an unrelated path")
	}
}

func TestLongestPrefixMatchRejectsSiblingPrefix(t *testing.T) {
	// "/mnt/data2" must not match root "/mnt/data" just because it shares a
	// string prefix; only a real path-separator boundary counts.
	roots := []string{"/mnt/data"}
	if _, ok := longestPrefixMatch("/mnt/data2/file", roots); ok {
		t.Fatalf("expected sibling directory with shared string prefix to be rejected")
	}
}

func TestResolveWriteRootFollowsRemap(t *testing.T) {
	managedRoots := map[string]*managed{"/mnt/data": {}}
	remaps := map[string]string{"/mnt/data-subvol": "/mnt/data"}

	root, ok := resolveWriteRoot("/mnt/data-subvol/inner/file.bin", managedRoots, remaps)
	if !ok || root != "/mnt/data" {
		t.Fatalf("resolveWriteRoot = (%q, %v), want (/mnt/data, true)", root, ok)
	}
}

func TestResolveWriteRootPrefersDirectManagedRootOverRemap(t *testing.T) {
	managedRoots := map[string]*managed{
		"/mnt/data":        {},
		"/mnt/data-subvol": {},
	}
	remaps := map[string]string{"/mnt/data-other": "/mnt/data"}

	root, ok := resolveWriteRoot("/mnt/data-subvol/file.bin", managedRoots, remaps)
	if !ok || root != "/mnt/data-subvol" {
		t.Fatalf("resolveWriteRoot = (%q, %v), want (/mnt/data-subvol, true)", root, ok)
	}
}

func TestResolveWriteRootNoMatch(t *testing.T) {
	managedRoots := map[string]*managed{"/mnt/data": {}}
	remaps := map[string]string{}
	if _, ok := resolveWriteRoot("/mnt/other/file", managedRoots, remaps); ok {
		t.Fatalf("expected no match for an unrelated path")
	}
}
