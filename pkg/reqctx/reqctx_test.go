package reqctx

import (
	"context"
	"sync"
	"testing"
)

func TestSequencerSuccessAdvancesAndFailureHolds(t *testing.T) {
	var seq Sequencer
	rc := New("http", "X")
	if rc.Stage() != "X-1" {
		t.Fatalf("initial stage = %q", rc.Stage())
	}
	for _, want := range []string{"X-2", "X-3", "X-4"} {
		if got := seq.Next(rc, true); got != want {
			t.Fatalf("Next(success) = %q, want %q", got, want)
		}
	}
	if got := seq.Next(rc, false); got != "X-9" {
		t.Fatalf("Next(failure) = %q", got)
	}
	if rc.Ordinal != 4 {
		t.Fatalf("failure changed ordinal to %d", rc.Ordinal)
	}
	if got := seq.Next(rc, true); got != "X-5" {
		t.Fatalf("retry after failure = %q", got)
	}
}

func TestSequencerFailureUsesEntryBase(t *testing.T) {
	var seq Sequencer
	rc := New("http", "10")
	seq.Next(rc, true)
	seq.Next(rc, true)
	if got := seq.Next(rc, false); got != "10-9" {
		t.Fatalf("failure label = %q", got)
	}
}

func TestSequencerSuccessNeverLandsOnFailureOrdinal(t *testing.T) {
	var seq Sequencer
	rc := New("http", "X")
	for i := 0; i < 20; i++ {
		if got := seq.Next(rc, true); got == "X-9" {
			t.Fatalf("success %d produced the failure label", i+1)
		}
	}
	rc = New("http", "X")
	rc.Ordinal = 8
	if got := seq.Next(rc, false); got != "X-9" || rc.Ordinal != 8 {
		t.Fatalf("failure at 8 = %q ordinal %d", got, rc.Ordinal)
	}
	if got := seq.Next(rc, true); got != "X-10" || rc.Ordinal != 10 {
		t.Fatalf("success after 8 = %q ordinal %d", got, rc.Ordinal)
	}
}

func TestSequencerLabel(t *testing.T) {
	var seq Sequencer
	cases := []struct {
		stage   string
		success bool
		want    string
	}{
		{"10-1", true, "10-2"},
		{"10-1", false, "10-9"},
		{"media-extract-3", true, "media-extract-4"},
		{"media-extract-3", false, "media-extract-9"},
		{"10-8", true, "10-10"},
		{"10-10", true, "10-11"},
		{"10-x", true, "10-x"},
		{"10-x", false, "10-9"},
		{"garbage", true, "garbage"},
		{"garbage", false, "garbage-9"},
		{"", true, ""},
		{"", false, "-9"},
	}
	for _, tc := range cases {
		if got := seq.Label(tc.stage, tc.success); got != tc.want {
			t.Errorf("Label(%q, %v) = %q, want %q", tc.stage, tc.success, got, tc.want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	rc := New("http", "A")
	rc.Set("pack", "p1")
	cp := rc.Clone()
	cp.Set("pack", "p2")
	cp.Ordinal = 5
	if rc.Get("pack") != "p1" || rc.Ordinal != 1 {
		t.Fatalf("clone mutation leaked: %+v", rc)
	}
	if cp.TraceKey != rc.TraceKey {
		t.Fatal("clone must keep the trace key")
	}
}

func TestDetachRecordsRoot(t *testing.T) {
	rc := New("http", "A")
	d := rc.Detach()
	if d.RootTraceKey != rc.TraceKey || d.TraceKey != rc.TraceKey {
		t.Fatalf("detach = %+v", d)
	}
	if rc.RootTraceKey != "" {
		t.Fatal("detach mutated the original")
	}
}

func TestConcurrentDetachedSequencing(t *testing.T) {
	var seq Sequencer
	rc := New("http", "A")
	var wg sync.WaitGroup
	labels := make([]string, 8)
	for i := range labels {
		wg.Add(1)
		go func(i int, own *RequestContext) {
			defer wg.Done()
			labels[i] = seq.Next(own, true)
		}(i, rc.Detach())
	}
	wg.Wait()
	for _, l := range labels {
		if l != "A-2" {
			t.Fatalf("detached copies must advance independently, got %q", l)
		}
	}
	if rc.Ordinal != 1 {
		t.Fatalf("original ordinal = %d", rc.Ordinal)
	}
}

func TestMarshalRoundTripKeepsState(t *testing.T) {
	rc := New("task", "B")
	rc.Ordinal = 3
	rc.AppID = "app-1"
	rc.Set("entity", "e-9")
	raw, err := rc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage() != "B-3" || got.TraceKey != rc.TraceKey || got.Get("entity") != "e-9" {
		t.Fatalf("unmarshal = %+v", got)
	}
	if _, err := Unmarshal([]byte(`{"base_stage":"B"}`)); err == nil {
		t.Fatal("expected error for missing trace key")
	}
}

func TestContextCarriage(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a request context")
	}
	rc := New("", "A")
	ctx := WithContext(context.Background(), rc)
	got, ok := FromContext(ctx)
	if !ok || got != rc {
		t.Fatal("expected the same pointer back")
	}
	if got.Source != DefaultSource {
		t.Fatalf("source = %q", got.Source)
	}
}
