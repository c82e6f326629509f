package version

import "testing"

func TestStringFallbacks(t *testing.T) {
	defer func(v, c, d string) { Version, Commit, Dirty = v, c, d }(Version, Commit, Dirty)

	Version, Commit, Dirty = "", "", ""
	if got := String(); got != "dev" {
		t.Fatalf("expected dev, got %q", got)
	}
	Commit, Dirty = "abc123", "dirty"
	if got := String(); got != "dev-abc123*" {
		t.Fatalf("expected dev-abc123*, got %q", got)
	}
	Version = "v1.2.3"
	if got := Current(); got.Version != "v1.2.3" || !got.Dirty {
		t.Fatalf("unexpected info %+v", got)
	}
}
