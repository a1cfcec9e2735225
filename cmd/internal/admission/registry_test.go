package admission

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAdmit_CreatesRecord(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now))

	adm := r.TryAdmit("tok", "client-1", "10.0.0.1")
	if adm.Outcome != Admitted {
		t.Fatalf("outcome=%v want=%v", adm.Outcome, Admitted)
	}
	if adm.Record.Identity != "client-1" || adm.Record.Origin != "10.0.0.1" {
		t.Fatalf("unexpected record: %+v", adm.Record)
	}
	if !adm.Record.StartedAt.Equal(clk.Now()) || !adm.Record.LastActivityAt.Equal(clk.Now()) {
		t.Fatalf("timestamps not set to now: %+v", adm.Record)
	}
	if adm.Record.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if r.Len() != 1 {
		t.Fatalf("Len()=%d want=1", r.Len())
	}
}

func TestTryAdmit_Exclusivity(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.TryAdmit("tok", "a", "ip1")

	adm := r.TryAdmit("tok", "b", "ip2")
	if adm.Outcome != Denied {
		t.Fatalf("outcome=%v want=%v", adm.Outcome, Denied)
	}
	if adm.Record.Identity != "a" || adm.Record.Origin != "ip1" {
		t.Fatalf("denied record should describe occupant, got %+v", adm.Record)
	}

	got, ok := r.Get("tok")
	if !ok || got.Identity != "a" {
		t.Fatalf("occupant changed after denial: %+v", got)
	}
}

func TestTryAdmit_ReconnectRefreshes(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now))

	first := r.TryAdmit("tok", "a", "ip1")
	clk.Advance(5 * time.Second)

	adm := r.TryAdmit("tok", "a", "ip2")
	if adm.Outcome != AdmittedAsReconnect {
		t.Fatalf("outcome=%v want=%v", adm.Outcome, AdmittedAsReconnect)
	}
	if !adm.Record.LastActivityAt.Equal(clk.Now()) {
		t.Fatalf("last activity not refreshed: %v", adm.Record.LastActivityAt)
	}
	if !adm.Record.StartedAt.Equal(first.Record.StartedAt) {
		t.Fatalf("started_at changed on reconnect")
	}
	if adm.Record.SessionID != first.Record.SessionID {
		t.Fatalf("session id changed on reconnect")
	}
	if adm.Record.Origin != "ip2" {
		t.Fatalf("origin=%q want=ip2", adm.Record.Origin)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()

	var changes atomic.Int32
	r := NewRegistry(WithChangeHook(func() { changes.Add(1) }))

	if _, ok := r.Release("tok"); ok {
		t.Fatalf("release of absent token reported a record")
	}
	if changes.Load() != 0 {
		t.Fatalf("release of absent token triggered a change")
	}

	r.TryAdmit("tok", "a", "ip")
	if _, ok := r.Release("tok"); !ok {
		t.Fatalf("release of held token reported nothing")
	}
	if _, ok := r.Release("tok"); ok {
		t.Fatalf("second release reported a record")
	}
	if r.Len() != 0 {
		t.Fatalf("Len()=%d want=0", r.Len())
	}
	if got := changes.Load(); got != 2 {
		t.Fatalf("changes=%d want=2 (admit + one release)", got)
	}
}

func TestTouch(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now), WithSessionIDs(func(time.Time) string { return "sess-1" }))

	if _, ok := r.Touch("tok"); ok {
		t.Fatalf("touch on absent token returned true")
	}

	r.TryAdmit("tok", "a", "ip")
	clk.Advance(10 * time.Second)
	rec, ok := r.Touch("tok")
	if !ok {
		t.Fatalf("touch on held token returned false")
	}
	if !rec.LastActivityAt.Equal(clk.Now()) || rec.SessionID != "sess-1" || rec.Identity != "a" {
		t.Fatalf("touched record=%+v", rec)
	}
	got, _ := r.Get("tok")
	if got != rec {
		t.Fatalf("stored record=%+v returned=%+v", got, rec)
	}
}

func TestSessionIDs_StableAcrossReconnect(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	r := NewRegistry(WithSessionIDs(func(time.Time) string {
		return fmt.Sprintf("sess-%d", n.Add(1))
	}))

	if adm := r.TryAdmit("tok", "a", "ip"); adm.Record.SessionID != "sess-1" {
		t.Fatalf("first admit session=%q want=sess-1", adm.Record.SessionID)
	}
	if adm := r.TryAdmit("tok", "a", "ip"); adm.Outcome != AdmittedAsReconnect || adm.Record.SessionID != "sess-1" {
		t.Fatalf("reconnect outcome=%v session=%q want sess-1", adm.Outcome, adm.Record.SessionID)
	}
	if adm := r.TryAdmit("tok", "b", "ip2"); adm.Outcome != Denied || adm.Record.SessionID != "sess-1" {
		t.Fatalf("deny outcome=%v session=%q", adm.Outcome, adm.Record.SessionID)
	}

	r.Release("tok")
	if adm := r.TryAdmit("tok", "b", "ip2"); adm.Record.SessionID != "sess-2" {
		t.Fatalf("new occupancy session=%q want=sess-2", adm.Record.SessionID)
	}
}

func TestPostReleaseReadmission(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.TryAdmit("tok", "a", "ip1")
	r.Release("tok")

	adm := r.TryAdmit("tok", "c", "ip3")
	if adm.Outcome != Admitted {
		t.Fatalf("outcome=%v want=%v", adm.Outcome, Admitted)
	}
}

func TestConcurrentRace_ExactlyOneAdmitted(t *testing.T) {
	t.Parallel()

	const n = 64
	for round := 0; round < 20; round++ {
		r := NewRegistry(WithShards(4))

		var (
			wg       sync.WaitGroup
			admitted atomic.Int32
			denied   atomic.Int32
			start    = make(chan struct{})
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				adm := r.TryAdmit("tok", fmt.Sprintf("id-%d", i), fmt.Sprintf("10.0.0.%d", i))
				switch adm.Outcome {
				case Admitted:
					admitted.Add(1)
				case Denied:
					denied.Add(1)
				default:
					t.Errorf("unexpected outcome %v", adm.Outcome)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if admitted.Load() != 1 || denied.Load() != n-1 {
			t.Fatalf("round %d: admitted=%d denied=%d want=1/%d", round, admitted.Load(), denied.Load(), n-1)
		}
		if r.Len() != 1 {
			t.Fatalf("round %d: Len()=%d want=1", round, r.Len())
		}
	}
}

func TestConcurrentMixedOperations_KeepCountConsistent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tok := fmt.Sprintf("tok-%d", i%10)
				id := fmt.Sprintf("w-%d", w)
				switch i % 4 {
				case 0, 1:
					r.TryAdmit(tok, id, "ip")
				case 2:
					r.Touch(tok)
				default:
					r.Release(tok)
				}
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	if got, want := r.Len(), len(r.Snapshot()); got != want {
		t.Fatalf("Len()=%d but snapshot has %d records", got, want)
	}
}

func TestSnapshot_SortedCopies(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, tok := range []string{"c", "a", "b"} {
		r.TryAdmit(tok, "id-"+tok, "ip")
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(snapshot)=%d want=3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].Token != want {
			t.Fatalf("snapshot[%d].Token=%q want=%q", i, snap[i].Token, want)
		}
	}

	snap[0].Identity = "mutated"
	got, _ := r.Get("a")
	if got.Identity != "id-a" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestRestore_SkipsExistingAndFillsDefaults(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(WithClock(clk.Now))
	r.TryAdmit("live", "a", "ip")

	n := r.Restore([]Record{
		{Token: "live", Identity: "stale"},
		{Token: "old", Identity: "b", StartedAt: clk.Now().Add(-time.Minute)},
		{Token: ""},
	})
	if n != 1 {
		t.Fatalf("Restore inserted %d want=1", n)
	}

	live, _ := r.Get("live")
	if live.Identity != "a" {
		t.Fatalf("restore overwrote a live record")
	}
	old, ok := r.Get("old")
	if !ok {
		t.Fatalf("restored record missing")
	}
	if old.SessionID == "" || !old.LastActivityAt.Equal(old.StartedAt) {
		t.Fatalf("restore did not fill defaults: %+v", old)
	}
}

func TestEvictIf_PredicateFalseKeepsRecord(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.TryAdmit("tok", "a", "ip")

	if _, ok := r.EvictIf("tok", func(Record) bool { return false }); ok {
		t.Fatalf("EvictIf removed despite false predicate")
	}
	if r.Len() != 1 {
		t.Fatalf("Len()=%d want=1", r.Len())
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	held := &Record{Identity: "a"}
	cases := []struct {
		name     string
		existing *Record
		identity string
		want     Decision
	}{
		{name: "unoccupied", existing: nil, identity: "a", want: DecisionCreate},
		{name: "same occupant", existing: held, identity: "a", want: DecisionRefresh},
		{name: "other occupant", existing: held, identity: "b", want: DecisionDeny},
	}
	for _, tc := range cases {
		if got := Decide(tc.existing, tc.identity); got != tc.want {
			t.Fatalf("%s: Decide=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeExclusive},
		{in: "exclusive", want: ModeExclusive},
		{in: "EXCLUSIVE", want: ModeExclusive},
		{in: "shared", want: ModeShared},
		{in: "shared-unlimited", want: ModeShared},
		{in: "bogus", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMode(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseMode(%q)=%v,%v want=%v", tc.in, got, err, tc.want)
		}
	}
}

func TestExtractToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		param   string
		want    string
		wantErr error
	}{
		{param: "?token=tok_abc123", want: "tok_abc123"},
		{param: "token=tok_abc123&foo=bar", want: "tok_abc123"},
		{param: "?foo=bar&token=xyz", want: "xyz"},
		{param: "?foo=bar&token=xyz&token=other", want: "xyz"},
		{param: "", wantErr: ErrMissingToken},
		{param: "?foo=bar", wantErr: ErrMissingToken},
		{param: "?token=", wantErr: ErrInvalidToken},
		{param: "?token=&foo=bar", wantErr: ErrInvalidToken},
	}
	for _, tc := range cases {
		got, err := ExtractToken(tc.param)
		if err != tc.wantErr {
			t.Fatalf("ExtractToken(%q) err=%v want=%v", tc.param, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ExtractToken(%q)=%q want=%q", tc.param, got, tc.want)
		}
	}
}
