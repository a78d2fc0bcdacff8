package vfile

import "testing"

func TestWritablePaths(t *testing.T) {
	writable := map[string]bool{
		PathChanSelect:  true,
		PathPlayerState: true,
		PathSeek:        true,
		PathTrickPlay:   true,
		PathFlush:       true,
		PathCDMReady:    true,

		PathStream:         false,
		PathChanSelectTime: false,
		PathDRM:            false,
		PathECM:            false,
		PathPAT:            false,
		PathPMT:            false,
		PathStreamStatus:   false,
	}
	for path, want := range writable {
		if got := Writable(path); got != want {
			t.Errorf("Writable(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestAllPathsCoversEveryNamedConstant(t *testing.T) {
	named := []string{
		PathStream, PathChanSelect, PathChanSelectTime, PathPlayerState,
		PathSeek, PathTrickPlay, PathFlush, PathDRM, PathECM, PathPAT,
		PathPMT, PathCDMReady, PathStreamStatus,
	}
	all := AllPaths()
	if len(all) != len(named) {
		t.Fatalf("AllPaths() has %d entries, want %d", len(all), len(named))
	}
	seen := make(map[string]bool, len(all))
	for _, p := range all {
		seen[p] = true
	}
	for _, p := range named {
		if !seen[p] {
			t.Errorf("AllPaths() is missing %q", p)
		}
	}
}
