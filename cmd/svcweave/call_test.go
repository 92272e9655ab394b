package main

import "testing"

func TestParamFlag(t *testing.T) {
	p := paramFlag{}
	for _, arg := range []string{"id=42", "ratio=0.5", "dry=true", "name=widget", "tags=[1,2]", "empty=", "quoted=\"7\""} {
		if err := p.Set(arg); err != nil {
			t.Fatalf("Set(%q): %v", arg, err)
		}
	}
	want := map[string]any{
		"id":     float64(42),
		"ratio":  0.5,
		"dry":    true,
		"name":   "widget",
		"tags":   "[1,2]",
		"empty":  "",
		"quoted": "7",
	}
	for k, v := range want {
		if p[k] != v {
			t.Fatalf("%s = %#v, want %#v", k, p[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=3"} {
		if err := p.Set(bad); err == nil {
			t.Fatalf("Set(%q) should fail", bad)
		}
	}
}
