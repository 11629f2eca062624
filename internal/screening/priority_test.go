package screening

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  PriorityLevel
	}{
		{0, PriorityNormal},
		{24.9999, PriorityNormal},
		{25, PriorityRoutine},
		{49.99, PriorityRoutine},
		{50, PriorityModerate},
		{74.9, PriorityModerate},
		{75, PriorityUrgent},
		{89.999, PriorityUrgent},
		{90, PriorityCritical},
		{100, PriorityCritical},
		{-5, PriorityNormal},
		{140, PriorityCritical},
		{math.Inf(1), PriorityCritical},
		{math.Inf(-1), PriorityNormal},
		{math.NaN(), PriorityCritical},
	}

	for _, tt := range tests {
		if got := Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestClassify_Monotonic(t *testing.T) {
	t.Parallel()

	prev := Classify(0)
	for s := 0.0; s <= 100; s += 0.25 {
		got := Classify(s)
		if got.Rank() < prev.Rank() {
			t.Fatalf("Classify(%v) = %q, lower than %q for a smaller score", s, got, prev)
		}
		prev = got
	}
}

func FuzzClassify(f *testing.F) {
	for _, s := range []float64{0, 25, 50, 75, 90, 100, -1, 101, math.NaN()} {
		f.Add(s)
	}
	p := DefaultPolicy()
	f.Fuzz(func(t *testing.T, a float64) {
		got := p.Classify(a)
		if !got.Valid() {
			t.Fatalf("Classify(%v) = %q, not a level", a, got)
		}
		if p.Classify(a) != got {
			t.Fatalf("Classify(%v) not deterministic", a)
		}
		if !math.IsNaN(a) {
			if hi := p.Classify(a + 1); hi.Rank() < got.Rank() {
				t.Fatalf("Classify(%v) = %q but Classify(%v) = %q", a, got, a+1, hi)
			}
		}
	})
}

func TestPriority_RankAndParse(t *testing.T) {
	t.Parallel()

	for i := 1; i < len(Levels); i++ {
		if Levels[i-1].Rank() <= Levels[i].Rank() {
			t.Errorf("rank(%s) = %d should exceed rank(%s) = %d", Levels[i-1], Levels[i-1].Rank(), Levels[i], Levels[i].Rank())
		}
	}
	if PriorityNone.Rank() != 0 {
		t.Errorf("rank(none) = %d, want 0", PriorityNone.Rank())
	}
	if PriorityNone.String() != "none" {
		t.Errorf("String(none) = %q, want %q", PriorityNone.String(), "none")
	}

	for _, l := range Levels {
		got, err := ParsePriority(string(l))
		if err != nil || got != l {
			t.Errorf("ParsePriority(%q) = %q, %v", l, got, err)
		}
	}
	if _, err := ParsePriority("panic"); err == nil {
		t.Error("ParsePriority(panic) should fail")
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"custom", Policy{Critical: 95, Urgent: 80, Moderate: 40, Routine: 10}, false},
		{"not descending", Policy{Critical: 90, Urgent: 90, Moderate: 50, Routine: 25}, true},
		{"above range", Policy{Critical: 120, Urgent: 75, Moderate: 50, Routine: 25}, true},
		{"zero", Policy{Critical: 90, Urgent: 75, Moderate: 50, Routine: 0}, true},
		{"nan", Policy{Critical: math.NaN(), Urgent: 75, Moderate: 50, Routine: 25}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("critical: 95\nurgent: 80\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(good)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Critical != 95 || p.Urgent != 80 || p.Moderate != 50 || p.Routine != 25 {
		t.Errorf("policy = %+v, want defaults with critical=95 urgent=80", p)
	}
	if got := p.Classify(92); got != PriorityUrgent {
		t.Errorf("Classify(92) = %q, want %q", got, PriorityUrgent)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("critical: 40\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(bad); err == nil {
		t.Error("LoadPolicy should reject non-descending thresholds")
	}

	if _, err := LoadPolicy(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadPolicy should fail on a missing file")
	}
}
