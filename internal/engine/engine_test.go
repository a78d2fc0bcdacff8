package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/plextuner/tsbengine/internal/config"
	"github.com/plextuner/tsbengine/internal/mvar"
	"github.com/plextuner/tsbengine/internal/protection"
	"github.com/plextuner/tsbengine/internal/source"
)

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:         16,
		IngressPoolCount:  4,
		IngressBufferSize: 64,
		TSBPoolCapacity:   8,
		TSBSizeBytes:      8 * 16,
		TailSizeBytes:     0,
		IndexerSampling:   1,
		StreamType:        "http",
	}
}

func TestNewBuildsEngineImplementingVfileInterface(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	if e.tsb == nil || e.psi == nil || e.protection == nil || e.coord == nil {
		t.Fatal("New left a subsystem nil")
	}
}

func TestSwitchChannelRejectsInvalidURI(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	if err := e.SwitchChannel(context.Background(), "not-an-ip-uri"); err == nil {
		t.Fatal("expected an error switching to a malformed channel uri")
	}
}

func TestProtectionResetReflectsOnDRM0(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	e.protection.Publish(protection.NewReset("chan1"))

	dst := make([]byte, 64)
	n, err := e.Read(context.Background(), 0, "drm0", dst, 0)
	if err != nil {
		t.Fatalf("Read drm0: %v", err)
	}
	var exp protection.Export
	if err := json.Unmarshal(dst[:n], &exp); err != nil {
		t.Fatalf("drm0 not valid JSON: %v (%q)", err, dst[:n])
	}
	if !exp.Clear || exp.Channel != "chan1" {
		t.Fatalf("drm0 export = %+v, want clear=true channel=chan1", exp)
	}
}

func TestReadWritePlayerStateRoundTrips(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	ctx := context.Background()

	if _, err := e.Write(ctx, "player_state0", []byte("playing")); err != nil {
		t.Fatalf("Write player_state0: %v", err)
	}
	dst := make([]byte, 16)
	n, err := e.Read(ctx, 0, "player_state0", dst, 0)
	if err != nil {
		t.Fatalf("Read player_state0: %v", err)
	}
	if got := string(dst[:n]); got != "PLAYING" {
		t.Fatalf("player_state0 = %q, want PLAYING", got)
	}
}

func TestWriteUnknownPlayerStateRejected(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	if _, err := e.Write(context.Background(), "player_state0", []byte("banana")); err == nil {
		t.Fatal("expected an error for an unrecognized player_state0 value")
	}
}

func TestTrickPlayDefaultsToNormalSpeed(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	dst := make([]byte, 8)
	n, _ := e.Read(context.Background(), 0, "trick_play0", dst, 0)
	if got := string(dst[:n]); got != "1" {
		t.Fatalf("trick_play0 default = %q, want 1 (normal speed)", got)
	}
}

func TestWriteTrickPlayThenReadBack(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	ctx := context.Background()
	if _, err := e.Write(ctx, "trick_play0", []byte("4")); err != nil {
		t.Fatalf("Write trick_play0: %v", err)
	}
	dst := make([]byte, 8)
	n, _ := e.Read(ctx, 0, "trick_play0", dst, 0)
	if got := string(dst[:n]); got != "4" {
		t.Fatalf("trick_play0 = %q, want 4", got)
	}
}

func TestWriteFlushRaisesTheSentinel(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	ctx := context.Background()
	dst := make([]byte, 32)

	n, _ := e.Read(ctx, 0, "flush0", dst, 0)
	if n != 0 {
		t.Fatalf("flush0 initial = %q, want empty before any flush is raised", dst[:n])
	}
	if _, err := e.Write(ctx, "flush0", []byte("x")); err != nil {
		t.Fatalf("Write flush0: %v", err)
	}
	n, _ = e.Read(ctx, 0, "flush0", dst, 0)
	if n == 0 {
		t.Fatal("flush0 after write is still empty, want a raised sentinel")
	}
}

func TestCDMReadyRoundTrips(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	ctx := context.Background()
	dst := make([]byte, 4)

	n, _ := e.Read(ctx, 0, "cdm_ready0", dst, 0)
	if string(dst[:n]) != "0" {
		t.Fatalf("cdm_ready0 initial = %q, want 0", dst[:n])
	}
	if _, err := e.Write(ctx, "cdm_ready0", []byte("1")); err != nil {
		t.Fatalf("Write cdm_ready0: %v", err)
	}
	n, _ = e.Read(ctx, 0, "cdm_ready0", dst, 0)
	if string(dst[:n]) != "1" {
		t.Fatalf("cdm_ready0 after write = %q, want 1", dst[:n])
	}
}

func TestOpenAndReleaseTrackHandles(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	ctx := context.Background()
	h1, err := e.Open(ctx, "stream0.ts")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := e.Open(ctx, "stream0.ts")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h1 == h2 {
		t.Fatal("Open returned the same handle twice")
	}
	if err := e.Release(h1, "stream0.ts"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestGetSizeReportsMaxForStream(t *testing.T) {
	e := New(testConfig())
	size, err := e.GetSize("stream0.ts")
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size <= 0 {
		t.Fatalf("GetSize(stream0.ts) = %d, want a large positive value", size)
	}
}

func TestSeekLineHasFiveCommaSeparatedFields(t *testing.T) {
	mvar.Reset()
	e := New(testConfig())
	dst := make([]byte, 64)
	n, err := e.Read(context.Background(), 0, "seek0", dst, 0)
	if err != nil {
		t.Fatalf("Read seek0: %v", err)
	}
	fields := strings.Split(string(dst[:n]), ",")
	if len(fields) != 5 {
		t.Fatalf("seek0 = %q, want 5 comma-separated fields", dst[:n])
	}
}

func TestReadUnknownPathFails(t *testing.T) {
	e := New(testConfig())
	dst := make([]byte, 8)
	if _, err := e.Read(context.Background(), 0, "not_a_real_path", dst, 0); err == nil {
		t.Fatal("expected an error for an unknown path")
	}
}

func TestNewSourcePicksVariantByStreamType(t *testing.T) {
	cfg := testConfig()

	cfg.StreamType = "http"
	if _, ok := New(cfg).newSource().(*source.HTTPSource); !ok {
		t.Fatal("StreamType=http should select HTTPSource")
	}

	cfg.StreamType = "not-a-real-mode"
	if _, ok := New(cfg).newSource().(*source.RTPSource); !ok {
		t.Fatal("an invalid StreamType should fall back to RTPSource")
	}

	cfg.StreamType = ""
	if _, ok := New(cfg).newSource().(*source.RTPSource); !ok {
		t.Fatal("StreamType=\"\" should select RTPSource")
	}
}
