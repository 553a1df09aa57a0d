package acs

import "testing"

func TestParseBasicCases(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		subject Subject
		expect  bool
	}{
		{name: "empty", expr: "", subject: NewSubject(0, nil), expect: true},
		{name: "wildcard", expr: "*", subject: NewSubject(0, nil), expect: true},
		{name: "level ok", expr: "S10", subject: NewSubject(20, nil), expect: true},
		{name: "level fail", expr: "S50", subject: NewSubject(20, nil), expect: false},
		{name: "group ok", expr: "G:SYSOP", subject: NewSubject(0, []string{"sysop"}), expect: true},
		{name: "group fail", expr: "G:SYSOP", subject: NewSubject(0, []string{"cosysop"}), expect: false},
		{name: "and both true", expr: "S10 & G:VIP", subject: NewSubject(20, []string{"vip"}), expect: true},
		{name: "and one false", expr: "S10 & G:VIP", subject: NewSubject(20, []string{"other"}), expect: false},
		{name: "or either true", expr: "S90 | G:VIP", subject: NewSubject(20, []string{"vip"}), expect: true},
		{name: "parens", expr: "(S10 | G:VIP) & S5", subject: NewSubject(20, nil), expect: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expr, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tc.expr, err)
			}
			if got := expr.Eval(tc.subject); got != tc.expect {
				t.Fatalf("Parse(%q).Eval(%+v) = %t, expected %t", tc.expr, tc.subject, got, tc.expect)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{"S", "Sabc", "G:", "&S10", "S10 &", "(S10", "S10)", "Q5"}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("Parse(%q) expected error, got nil", expr)
		}
	}
}

// TestMonotone covers spec's required invariant directly: if subject s1
// dominates s2 (pointwise greater-or-equal level, superset of groups),
// and s2 is granted access, s1 must be granted access too.
func TestMonotone(t *testing.T) {
	exprs := []string{"", "*", "S10", "G:VIP", "S10 & G:VIP", "S10 | G:VIP", "(S50 & G:A) | G:B"}

	low := NewSubject(10, []string{"vip"})
	high := NewSubject(60, []string{"vip", "a", "b"})

	for _, src := range exprs {
		expr, err := Parse(src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", src, err)
		}
		if expr.Eval(low) && !expr.Eval(high) {
			t.Fatalf("monotonicity violated for %q: low subject passed but dominating subject did not", src)
		}
	}
}

func TestNewSubjectCaseInsensitive(t *testing.T) {
	s := NewSubject(5, []string{"SysOp"})
	if !s.HasGroup("sysop") {
		t.Fatalf("expected case-insensitive group match")
	}
	if s.HasGroup("cosysop") {
		t.Fatalf("unexpected group match")
	}
}

func TestUserCanAccessNilExpr(t *testing.T) {
	if !UserCanAccess(nil, NewSubject(0, nil)) {
		t.Fatalf("nil expression should permit all, matching checkACS's empty-string short-circuit")
	}
}
