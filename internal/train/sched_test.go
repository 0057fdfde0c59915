package train

import (
	"math"
	"testing"
)

func TestSchedulerWarmupRampsLinearly(t *testing.T) {
	t.Parallel()

	const base = 2e-4
	for _, kind := range []string{SchedulerLinear, SchedulerCosine, SchedulerConstant} {
		s, err := NewScheduler(kind, base, 10, 100)
		if err != nil {
			t.Fatalf("NewScheduler(%s) = %v", kind, err)
		}
		if got := s.LR(0); got != 0 {
			t.Errorf("%s: LR(0) = %g, want 0", kind, got)
		}
		for step := 1; step < 10; step++ {
			want := base * float64(step) / 10
			if got := s.LR(step); got != want {
				t.Errorf("%s: LR(%d) = %g, want %g", kind, step, got, want)
			}
		}
	}
}

func TestSchedulerShapes(t *testing.T) {
	t.Parallel()

	const base = 0.1
	cases := []struct {
		name string
		kind string
		step int
		want float64
	}{
		{"linear at warmup end", SchedulerLinear, 10, base},
		{"linear midpoint", SchedulerLinear, 55, base * 0.5},
		{"linear at total", SchedulerLinear, 100, 0},
		{"linear past total clamps", SchedulerLinear, 150, 0},
		{"cosine at warmup end", SchedulerCosine, 10, base},
		{"cosine midpoint", SchedulerCosine, 55, base * 0.5},
		{"cosine at total", SchedulerCosine, 100, 0},
		{"constant after warmup", SchedulerConstant, 10, base},
		{"constant at total", SchedulerConstant, 100, base},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewScheduler(tc.kind, base, 10, 100)
			if err != nil {
				t.Fatalf("NewScheduler = %v", err)
			}
			if got := s.LR(tc.step); math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("LR(%d) = %g, want %g", tc.step, got, tc.want)
			}
		})
	}
}

func TestSchedulerDecreasesMonotonically(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{SchedulerLinear, SchedulerCosine} {
		s, err := NewScheduler(kind, 1e-3, 5, 50)
		if err != nil {
			t.Fatalf("NewScheduler(%s) = %v", kind, err)
		}
		prev := s.LR(5)
		for step := 6; step <= 50; step++ {
			cur := s.LR(step)
			if cur > prev {
				t.Fatalf("%s: LR(%d) = %g > LR(%d) = %g", kind, step, cur, step-1, prev)
			}
			prev = cur
		}
	}
}

func TestSchedulerClampsWarmupToTotal(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(SchedulerLinear, 0.1, 500, 100)
	if err != nil {
		t.Fatalf("NewScheduler = %v", err)
	}
	want := 0.1 * 99.0 / 100.0
	if got := s.LR(99); got != want {
		t.Errorf("LR(99) = %g, want %g", got, want)
	}
	if got := s.LR(100); got != 0 {
		t.Errorf("LR(100) = %g, want 0", got)
	}
}

func TestNewSchedulerRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler("polynomial", 0.1, 0, 100); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := NewScheduler(SchedulerLinear, 0.1, 0, 0); err == nil {
		t.Error("zero total steps accepted")
	}
}
