package balance

import (
	"errors"
	"math"
	"testing"
)

func targetsOf(n int) []*Target {
	out := make([]*Target, n)
	for i := range out {
		out[i] = NewTarget("10.0.0.1", 8000+i, 9000+i)
	}
	return out
}

func TestAllStrategies_EmptyListFails(t *testing.T) {
	hashSel := func(r *Request) string { return r.Key }
	for _, name := range []string{"least-connections", "round-robin", "random", "weighted-round-robin", "hash", "least-response-time", "zone"} {
		st, err := New(name, hashSel)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if _, err := st.Select(nil, &Request{}); !errors.Is(err, ErrNoTargets) {
			t.Errorf("%s on empty list: %v", name, err)
		}
	}
}

func TestNew_HashRequiresSelector(t *testing.T) {
	if _, err := New("hash", nil); err == nil {
		t.Fatal("hash without key selector must be rejected at construction")
	}
}

func TestLeastConnections_TiesBreakByOrder(t *testing.T) {
	ts := targetsOf(3)
	st, _ := New("least-connections", nil)

	got, err := st.Select(ts, nil)
	if err != nil || got != ts[0] {
		t.Fatalf("tie must pick list head, got %v", got)
	}

	ts[0].Acquire()
	ts[1].Acquire()
	got, _ = st.Select(ts, nil)
	if got != ts[2] {
		t.Fatal("least loaded target not picked")
	}
}

func TestRoundRobin_Cycles(t *testing.T) {
	ts := targetsOf(3)
	st, _ := New("round-robin", nil)
	var order []int
	for i := 0; i < 6; i++ {
		got, _ := st.Select(ts, nil)
		for j, c := range ts {
			if c == got {
				order = append(order, j)
			}
		}
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("cycle = %v", order)
		}
	}
}

func TestWeightedRoundRobin_ExactMultiset(t *testing.T) {
	a := NewTarget("10.0.0.1", 1, 1)
	a.Weight = 2
	b := NewTarget("10.0.0.2", 2, 2)
	b.Weight = 3
	c := NewTarget("10.0.0.3", 3, 3)
	c.Weight = 5
	ts := []*Target{a, b, c}

	st, _ := New("weighted-round-robin", nil)
	counts := map[*Target]int{}
	for i := 0; i < 10; i++ { // sum(weights)/gcd = 10
		got, err := st.Select(ts, nil)
		if err != nil {
			t.Fatal(err)
		}
		counts[got]++
	}
	if counts[a] != 2 || counts[b] != 3 || counts[c] != 5 {
		t.Fatalf("multiset = a:%d b:%d c:%d, want 2/3/5", counts[a], counts[b], counts[c])
	}
}

func TestWeightedRoundRobin_GCDReduces(t *testing.T) {
	a := NewTarget("10.0.0.1", 1, 1)
	a.Weight = 4
	b := NewTarget("10.0.0.2", 2, 2)
	b.Weight = 6
	ts := []*Target{a, b}

	st, _ := New("weighted-round-robin", nil)
	counts := map[*Target]int{}
	for i := 0; i < 5; i++ { // 10/gcd(2) = 5
		got, _ := st.Select(ts, nil)
		counts[got]++
	}
	if counts[a] != 2 || counts[b] != 3 {
		t.Fatalf("multiset = a:%d b:%d, want 2/3", counts[a], counts[b])
	}
}

func TestHash_StableForSameKey(t *testing.T) {
	ts := targetsOf(7)
	st, _ := New("hash", func(r *Request) string { return r.Key })

	first, err := st.Select(ts, &Request{Key: "user-42"})
	if err != nil {
		t.Fatal(err)
	}
	second, _ := st.Select(ts, &Request{Key: "user-42"})
	if first != second {
		t.Fatal("same key selected different targets")
	}
}

func TestHash_EmptyKeyUsesLiteral(t *testing.T) {
	ts := targetsOf(5)
	st, _ := New("hash", func(r *Request) string { return r.Key })

	empty, _ := st.Select(ts, &Request{})
	literal, _ := st.Select(ts, &Request{Key: "empty-key"})
	if empty != literal {
		t.Fatal(`empty key must hash as "empty-key"`)
	}
}

func TestLeastResponseTime_PicksFastest(t *testing.T) {
	ts := targetsOf(3)
	ts[0].ObserveResponseTime(100)
	ts[1].ObserveResponseTime(20)
	ts[2].ObserveResponseTime(50)

	st, _ := New("least-response-time", nil)
	got, _ := st.Select(ts, nil)
	if got != ts[1] {
		t.Fatal("fastest target not picked")
	}
}

func TestEWMA_WeightsOldOverNew(t *testing.T) {
	tr := NewTarget("10.0.0.1", 1, 1)
	tr.ObserveResponseTime(100) // first sample assigns
	tr.ObserveResponseTime(50)  // 0.8*100 + 0.2*50 = 90
	if got := tr.AverageResponseTime(); math.Abs(got-90) > 1e-9 {
		t.Fatalf("EWMA = %v, want 90", got)
	}
}

func TestZoneAffinity_PreferAndFallback(t *testing.T) {
	east := NewTarget("10.0.0.1", 1, 1)
	east.Zone = "east"
	west := NewTarget("10.0.0.2", 2, 2)
	west.Zone = "west"
	ts := []*Target{east, west}

	st, _ := New("zone", nil)
	got, _ := st.Select(ts, &Request{ClientZone: "west"})
	if got != west {
		t.Fatal("same-zone target not preferred")
	}

	// No zone match: least-connections over the full set.
	east.Acquire()
	got, _ = st.Select(ts, &Request{ClientZone: "north"})
	if got != west {
		t.Fatal("fallback must use least-connections")
	}
}

func TestTarget_ReleaseNeverNegative(t *testing.T) {
	tr := NewTarget("10.0.0.1", 1, 1)
	tr.Acquire()
	tr.Release()
	tr.Release()
	if got := tr.CurrentConnections(); got != 0 {
		t.Fatalf("currentConnections = %d", got)
	}
}

func TestHealthy_Filters(t *testing.T) {
	ts := targetsOf(3)
	ts[1].SetHealthy(false)
	h := Healthy(ts)
	if len(h) != 2 || h[0] != ts[0] || h[1] != ts[2] {
		t.Fatalf("Healthy = %v", h)
	}
}

func TestTarget_StatusClasses(t *testing.T) {
	tr := NewTarget("10.0.0.1", 1, 1)
	tr.RecordStatus(200)
	tr.RecordStatus(204)
	tr.RecordStatus(301)
	tr.RecordStatus(404)
	tr.RecordStatus(500)
	got := tr.StatusCounts()
	if got != [4]int64{2, 1, 1, 1} {
		t.Fatalf("status classes = %v", got)
	}
}
