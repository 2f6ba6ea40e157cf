package observability

import "testing"

func TestLatencyWindowBreaksDownByStage(t *testing.T) {
	w := newLatencyWindow(16)
	w.observe("speech", 1, 500)
	w.observe("speech", 2, 900)
	w.observe("speech", 1, 700)
	w.observe("reply", 1, 1500)
	w.count("tts_fallback")
	w.count("tts_fallback")

	snap := w.snapshot()
	if snap.WindowSize != 16 {
		t.Fatalf("WindowSize = %d, want 16", snap.WindowSize)
	}
	if len(snap.Phases) != 2 || snap.Phases[0].Phase != "reply" || snap.Phases[1].Phase != "speech" {
		t.Fatalf("phases = %+v, want reply then speech", snap.Phases)
	}

	reply := snap.Phases[0]
	if !reply.OverTarget || reply.TargetP95MS != 1200 {
		t.Fatalf("reply = %+v, want over its 1200ms target", reply)
	}

	speech := snap.Phases[1]
	if speech.Samples != 3 || speech.LastMS != 700 || speech.P50MS != 700 || speech.P95MS != 900 || speech.MaxMS != 900 {
		t.Fatalf("speech summary = %+v", speech.LatencySummary)
	}
	if speech.OverTarget {
		t.Fatalf("speech flagged over target")
	}
	if len(speech.Stages) != 2 {
		t.Fatalf("speech stages = %+v, want 2", speech.Stages)
	}
	if s1 := speech.Stages[0]; s1.Stage != 1 || s1.Samples != 2 || s1.AvgMS != 600 {
		t.Fatalf("stage 1 = %+v", s1)
	}
	if s2 := speech.Stages[1]; s2.Stage != 2 || s2.Samples != 1 || s2.LastMS != 900 {
		t.Fatalf("stage 2 = %+v", s2)
	}
	if snap.Indicators["tts_fallback"] != 2 {
		t.Fatalf("indicators = %v", snap.Indicators)
	}
}

func TestLatencyWindowEvictsOldestAcrossPhases(t *testing.T) {
	w := newLatencyWindow(3)
	w.observe("reply", 1, 10)
	w.observe("speech", 1, 20)
	w.observe("speech", 1, 30)
	w.observe("speech", 2, 40)
	w.observe("", 1, 5)
	w.observe("speech", 1, -1)

	snap := w.snapshot()
	if len(snap.Phases) != 1 || snap.Phases[0].Phase != "speech" {
		t.Fatalf("phases = %+v, want only speech after eviction", snap.Phases)
	}
	speech := snap.Phases[0]
	if speech.Samples != 3 || speech.LastMS != 40 || speech.AvgMS != 30 {
		t.Fatalf("speech = %+v", speech.LatencySummary)
	}
}
