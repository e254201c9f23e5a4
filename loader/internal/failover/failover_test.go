package failover

import (
	"sync"
	"testing"
	"time"
)

const (
	primary = "https://eu.static.example"
	fallbck = "https://static.example"
)

func TestPolicy_PrimaryRetryThenFlip(t *testing.T) {
	// WHAT: Two primary failures for X flip to Default with X seeded at 0.
	// WHY: Primary is assumed to fail wholesale; fail fast to Default.
	p := New(primary, fallbck)

	if o, base := p.Current(); o != OnPrimary || base != primary {
		t.Fatalf("start: %s %s", o, base)
	}
	if p.Timeout() != 15*time.Second {
		t.Fatalf("primary timeout: %v", p.Timeout())
	}

	d := p.OnFailure("js/x.js")
	if d.Action != Retry || d.Origin != OnPrimary || d.Delay != 300*time.Millisecond || d.Flipped {
		t.Fatalf("first failure: %+v", d)
	}

	d = p.OnFailure("js/x.js")
	if d.Action != Retry || d.Origin != OnDefault || d.BaseURL != fallbck || !d.Flipped {
		t.Fatalf("second failure: %+v", d)
	}

	l := p.Snapshot()
	if !l.FlippedToDefault || l.PrimaryFailures != 2 {
		t.Fatalf("ledger: %+v", l)
	}
	if n, ok := l.DefaultFailures["js/x.js"]; !ok || n != 0 {
		t.Fatalf("x seeded at %d (present %v), want 0", n, ok)
	}
	if o, base := p.Current(); o != OnDefault || base != fallbck {
		t.Fatalf("after flip: %s %s", o, base)
	}
	if p.Timeout() != 0 {
		t.Fatalf("default timeout: %v, want unlimited", p.Timeout())
	}
}

func TestPolicy_PrimaryCounterIsGlobal(t *testing.T) {
	p := New(primary, fallbck)
	p.OnFailure("js/a.js")
	d := p.OnFailure("js/b.js")
	if !d.Flipped {
		t.Fatalf("failures on different files must share the primary budget: %+v", d)
	}
}

func TestPolicy_DefaultExhausted(t *testing.T) {
	// WHAT: Three Default failures for Y end in Fatal with linear backoff.
	// WHY: Default is assumed reliable, so only the failing file is given up.
	p := New(primary, fallbck, StartOnDefault())

	wantDelays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	for i, want := range wantDelays {
		d := p.OnFailure("js/y.js")
		if d.Action != Retry || d.Delay != want || d.Origin != OnDefault {
			t.Fatalf("failure %d: %+v", i+1, d)
		}
	}
	d := p.OnFailure("js/y.js")
	if d.Action != Fatal || d.Attempt != 3 {
		t.Fatalf("third failure: %+v", d)
	}

	// Other files keep their own budget.
	if d := p.OnFailure("js/z.js"); d.Action != Retry {
		t.Fatalf("z: %+v", d)
	}
}

func TestPolicy_FlippedFileGetsFullDefaultBudget(t *testing.T) {
	p := New(primary, fallbck)
	p.OnFailure("js/x.js")
	p.OnFailure("js/x.js")

	var fatalAt int
	for i := 1; i <= 5; i++ {
		if d := p.OnFailure("js/x.js"); d.Action == Fatal {
			fatalAt = i
			break
		}
	}
	if fatalAt != 3 {
		t.Fatalf("fatal after %d default failures, want 3", fatalAt)
	}
}

func TestPolicy_NeverReturnsToPrimary(t *testing.T) {
	p := New(primary, fallbck)
	p.OnFailure("a")
	p.OnFailure("a")
	for i := 0; i < 10; i++ {
		d := p.OnFailure("f" + string(rune('a'+i)))
		if d.Origin != OnDefault {
			t.Fatalf("decision %d returned to primary: %+v", i, d)
		}
		if o, _ := p.Current(); o != OnDefault {
			t.Fatalf("current returned to primary after %d", i)
		}
	}
}

func TestPolicy_SameOriginsStartOnDefault(t *testing.T) {
	p := New(fallbck, fallbck)
	if !p.Flipped() {
		t.Fatal("identical origins must start on Default")
	}
	p = New("", fallbck)
	if o, _ := p.Current(); o != OnDefault {
		t.Fatal("empty primary must start on Default")
	}
}

func TestPolicy_ShouldReportOnce(t *testing.T) {
	p := New(primary, fallbck)
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := map[Category]int{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := Category(i % 3)
			if p.ShouldReport(c) {
				mu.Lock()
				count[c]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	for _, c := range []Category{PrimaryExhausted, DefaultExhausted, ContentCorrupt} {
		if count[c] != 1 {
			t.Errorf("%s reported %d times", c, count[c])
		}
	}
}

func TestPolicy_CustomBudgets(t *testing.T) {
	p := New(primary, fallbck, WithMaxRetries(1, 1), WithBackoffUnit(time.Second), WithPrimaryDelay(0))
	if d := p.OnFailure("a"); !d.Flipped {
		t.Fatalf("max primary 1 must flip on first failure: %+v", d)
	}
	if d := p.OnFailure("b"); d.Action != Fatal {
		t.Fatalf("max default 1 must be fatal on first default failure: %+v", d)
	}
}
