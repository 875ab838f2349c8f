package registry

import "testing"

func TestInternDedups(t *testing.T) {
	r := New(4)
	pid1, fresh1, err := r.Intern("linkedin.com")
	if err != nil || !fresh1 {
		t.Fatalf("Intern #1 = %d, %v, %v", pid1, fresh1, err)
	}
	r.Incref(pid1)

	pid2, fresh2, err := r.Intern("linkedin.com")
	if err != nil {
		t.Fatalf("Intern #2 error: %v", err)
	}
	if fresh2 {
		t.Fatalf("Intern #2 reported fresh for a duplicate string")
	}
	if pid2 != pid1 {
		t.Fatalf("Intern #2 pid = %d, want %d (same slot)", pid2, pid1)
	}
}

func TestInternRevivesFreedSlot(t *testing.T) {
	r := New(2)
	pidA, _, err := r.Intern("a")
	if err != nil {
		t.Fatalf("Intern(a): %v", err)
	}
	r.Incref(pidA)
	if nowZero := r.Decref(pidA); !nowZero {
		t.Fatalf("Decref(a) did not report zero")
	}

	// "a" is stale but still present; interning "a" again must find it by
	// string equality (same pid, no duplicate slot) and report fresh so the
	// caller re-arms a rebuild; the decref that zeroed the slot already
	// scheduled one that removed the pattern.
	pidAgain, fresh, err := r.Intern("a")
	if err != nil || !fresh || pidAgain != pidA {
		t.Fatalf("re-Intern(a) = %d, %v, %v, want (%d, true, nil)", pidAgain, fresh, err, pidA)
	}
	r.Incref(pidAgain)

	// A genuinely new string takes the remaining free slot.
	pidB, freshB, err := r.Intern("b")
	if err != nil || !freshB || pidB == pidA {
		t.Fatalf("Intern(b) = %d, %v, %v", pidB, freshB, err)
	}
}

func TestOutOfSlots(t *testing.T) {
	r := New(2)
	if _, _, err := r.Intern("a"); err != nil {
		t.Fatalf("Intern(a): %v", err)
	}
	r.Incref(0)
	if _, _, err := r.Intern("b"); err != nil {
		t.Fatalf("Intern(b): %v", err)
	}
	r.Incref(1)

	_, _, err := r.Intern("c")
	if err != ErrOutOfSlots {
		t.Fatalf("Intern(c) error = %v, want ErrOutOfSlots", err)
	}
}

func TestForEachLiveSkipsFreedSlots(t *testing.T) {
	r := New(3)
	pidA, _, _ := r.Intern("a")
	r.Incref(pidA)
	pidB, _, _ := r.Intern("b")
	r.Incref(pidB)
	r.Decref(pidB)

	var seen []string
	r.ForEachLive(func(pid int, s string) {
		seen = append(seen, s)
	})
	if len(seen) != 1 || seen[0] != "a" {
		t.Fatalf("ForEachLive = %v, want only [\"a\"]", seen)
	}
}

func TestDecrefNowZeroGating(t *testing.T) {
	r := New(2)
	pid, _, _ := r.Intern("x")
	r.Incref(pid)
	r.Incref(pid)
	if nowZero := r.Decref(pid); nowZero {
		t.Fatalf("Decref reported zero with one ref remaining")
	}
	if nowZero := r.Decref(pid); !nowZero {
		t.Fatalf("Decref did not report zero on last ref")
	}
}

func TestCleanFreesEveryString(t *testing.T) {
	r := New(3)
	pidA, _, _ := r.Intern("a")
	r.Incref(pidA)
	pidB, _, _ := r.Intern("b")
	r.Incref(pidB)

	r.Clean()

	if n := r.LiveCount(); n != 0 {
		t.Fatalf("LiveCount after Clean = %d, want 0", n)
	}
	if s := r.String(pidA); s != "" {
		t.Fatalf("String(pidA) after Clean = %q, want empty", s)
	}
	if s := r.String(pidB); s != "" {
		t.Fatalf("String(pidB) after Clean = %q, want empty", s)
	}

	// A slot cleaned this way is immediately reusable by Intern.
	pidNew, fresh, err := r.Intern("c")
	if err != nil || !fresh {
		t.Fatalf("Intern(c) after Clean = %d, %v, %v", pidNew, fresh, err)
	}
}
