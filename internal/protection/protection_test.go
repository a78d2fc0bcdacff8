package protection

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestNewResetDefaults(t *testing.T) {
	c := NewReset("239.100.0.1:8433")
	if c.Confidence != Reset {
		t.Fatalf("confidence = %v, want Reset", c.Confidence)
	}
	if !c.Clear {
		t.Fatal("expected a reset config to be clear by default")
	}
	exp := c.Export()
	if exp.ECM != "" || exp.PAT != "" || exp.PMT != "" {
		t.Fatalf("expected empty hex fields, got %+v", exp)
	}
}

func TestExportHexEncodes(t *testing.T) {
	c := Config{
		Confidence:  High,
		ChannelInfo: "239.100.0.2:8433",
		ECM:         []byte{0x0a, '0', 'a'},
		PAT:         []byte{0x0b, '1', 'b'},
		PMT:         []byte{0x0c, '2', 'c'},
		Clear:       false,
	}
	exp := c.Export()
	if exp.ECM != "0a3061" {
		t.Fatalf("ecm = %q, want 0a3061", exp.ECM)
	}
	if exp.PAT != "0b3162" {
		t.Fatalf("pat = %q, want 0b3162", exp.PAT)
	}
	if exp.PMT != "0c3263" {
		t.Fatalf("pmt = %q, want 0c3263", exp.PMT)
	}
	if exp.Clear {
		t.Fatal("expected clear=false")
	}
}

// TestPublishGateSequence replays the exact sequence from the original
// protection-info confidence gate test: MID is accepted from RESET, then
// superseded by HIGH, a later MID for a different channel is rejected, a
// RESET candidate always wins, and two equal HIGH confidences in a row both
// get applied.
func TestPublishGateSequence(t *testing.T) {
	var observed []Config
	p := NewPublisher("init-channel", func(c Config) { observed = append(observed, c) })

	configA := Config{Confidence: Mid, ChannelInfo: "A"}
	if !p.Publish(configA) {
		t.Fatal("expected MID to be accepted from RESET baseline")
	}
	if p.Current().ChannelInfo != "A" {
		t.Fatalf("current = %+v, want A", p.Current())
	}

	configB := Config{Confidence: High, ChannelInfo: "B"}
	if !p.Publish(configB) {
		t.Fatal("expected HIGH to be accepted over MID")
	}

	if p.Publish(configA) {
		t.Fatal("expected MID to be rejected while HIGH is current")
	}
	if p.Current().ChannelInfo != "B" {
		t.Fatalf("current = %+v, want still B (MID rejected)", p.Current())
	}

	resetCfg := NewReset("init-channel")
	if !p.Publish(resetCfg) {
		t.Fatal("expected RESET to always be accepted")
	}
	if p.Current().Confidence != Reset {
		t.Fatalf("current confidence = %v, want Reset", p.Current().Confidence)
	}

	configAHigh := Config{Confidence: High, ChannelInfo: "A"}
	if !p.Publish(configAHigh) {
		t.Fatal("expected HIGH to be accepted after RESET")
	}
	configBHigh := Config{Confidence: High, ChannelInfo: "B"}
	if !p.Publish(configBHigh) {
		t.Fatal("expected a second HIGH to be accepted (>= current)")
	}
	if p.Current().ChannelInfo != "B" {
		t.Fatalf("current = %+v, want B", p.Current())
	}

	if len(observed) != 5 {
		t.Fatalf("onSet invoked %d times, want 5 (one per accepted publish)", len(observed))
	}
}

// TestCurrentMatchesAcceptedConfigStructurally guards the whole Config
// struct, not just the fields other tests happen to check, using a
// structural diff so a regression in any field shows exactly which one
// instead of a bare "not equal".
func TestCurrentMatchesAcceptedConfigStructurally(t *testing.T) {
	p := NewPublisher("init-channel", nil)
	want := Config{
		Confidence:  High,
		ChannelInfo: "chan1",
		ECM:         []byte{0xDE, 0xAD},
		PAT:         []byte{0x01},
		PMT:         []byte{0x02},
		Clear:       false,
	}
	if !p.Publish(want) {
		t.Fatal("expected HIGH to be accepted from RESET baseline")
	}
	if diff := pretty.Compare(want, p.Current()); diff != "" {
		t.Fatalf("Current() diverged from published Config:\n%s", diff)
	}
}

func TestPublishRejectsLowerConfidence(t *testing.T) {
	p := NewPublisher("ch", nil)
	p.Publish(Config{Confidence: High})
	if p.Publish(Config{Confidence: Low}) {
		t.Fatal("expected LOW to be rejected when current is HIGH")
	}
}
