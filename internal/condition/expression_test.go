package condition

import (
	"errors"
	"testing"
)

// mapResolver resolves paths through nested maps.
type mapResolver map[string]interface{}

func (m mapResolver) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok || len(path) == 1 {
		return v, ok
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return mapResolver(sub).Resolve(path[1:])
}

func fields(kv ...interface{}) mapResolver {
	m := mapResolver{}
	for i := 0; i < len(kv)-1; i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestMatch(t *testing.T) {
	cases := []struct {
		name    string
		expr    string
		r       Resolver
		want    bool
		wantErr bool
	}{
		{"gt true", "amount > 1000", fields("amount", float64(1500)), true, false},
		{"gt false", "amount > 1000", fields("amount", 500), false, false},
		{"gte equal", "amount >= 1000", fields("amount", int64(1000)), true, false},
		{"lt negative", "delta < -1.5", fields("delta", -2.0), true, false},
		{"lte", "amount <= 10", fields("amount", 10), true, false},

		{"eq string", `type == "USER"`, fields("type", "USER"), true, false},
		{"eq single quotes", `type == 'USER'`, fields("type", "USER"), true, false},
		{"neq string", `type != "USER"`, fields("type", "SYSTEM"), true, false},
		{"eq by string form", `code == 7`, fields("code", "7"), true, false},
		{"bool true", "data.first == true", fields("data", map[string]interface{}{"first": true}), true, false},
		{"bool false literal", "first == FALSE", fields("first", true), false, false},

		{"AND both", `type == "USER" and amount > 5`, fields("type", "USER", "amount", 10), true, false},
		{"AND short-circuits", `type == "USER" AND missing > 5`, fields("type", "SYSTEM"), false, false},
		{"OR first true", `type == "USER" OR missing > 5`, fields("type", "USER"), true, false},
		{"OR both false", `type == "USER" OR amount > 5`, fields("type", "SYSTEM", "amount", 1), false, false},
		{"NOT", "NOT amount > 1000", fields("amount", 500), true, false},
		{"grouping", `(a == 1 OR b == 1) AND c == 1`, fields("a", 0, "b", 1, "c", 1), true, false},
		{"precedence", `a == 1 OR b == 1 AND c == 1`, fields("a", 1, "b", 0, "c", 0), true, false},

		{"in hit", `priority in ["HIGH", "CRITICAL"]`, fields("priority", "CRITICAL"), true, false},
		{"in miss", `priority IN ["HIGH", "CRITICAL"]`, fields("priority", "LOW"), false, false},
		{"in numbers", `code in [1, 2, 3]`, fields("code", 2), true, false},

		{"contains substring", `name contains "login"`, fields("name", "user.login.failed"), true, false},
		{"contains list", `tags contains "vip"`, fields("tags", []interface{}{"new", "vip"}), true, false},
		{"contains miss", `tags contains "vip"`, fields("tags", "regular"), false, false},
		{"matches", `email matches ".*@example\\.com$"`, fields("email", "a@example.com"), true, false},
		{"matches miss", `email matches ".*@example\\.com$"`, fields("email", "a@example.org"), false, false},
		{"matches field pattern", `name matches pattern`, fields("name", "abc", "pattern", "^a"), true, false},

		{"unknown field", "missing > 10", fields("amount", 1), false, true},
		{"ordering a string", `name > 3`, fields("name", "x"), false, true},
		{"contains on number", `n contains "1"`, fields("n", 10), false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Compile(tc.expr)
			if err != nil {
				t.Fatalf("Compile(%q): %v", tc.expr, err)
			}
			got, err := p.Match(tc.r)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil (result=%v)", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestUnknownFieldError(t *testing.T) {
	_, err := MustCompile("data.amount > 1").Match(fields())
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("err = %v, want ErrUnknownField", err)
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []string{
		``,
		`"unterminated`,
		`amount 1000`,
		`amount = 1`,
		`amount > `,
		`(a == 1`,
		`a == 1)`,
		`a in [b]`,
		`a in "x"`,
		`a matches "("`,
		`a matches 1`,
		`a == 1 AND`,
		`AND == 1`,
		`a == 1 # b`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			if _, err := Compile(expr); err == nil {
				t.Errorf("expected compile error for %q", expr)
			}
		})
	}
}

func TestProgramString(t *testing.T) {
	const expr = `type == "USER"`
	if got := MustCompile(expr).String(); got != expr {
		t.Errorf("String() = %q, want %q", got, expr)
	}
}
