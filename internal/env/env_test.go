package env

import (
	"sort"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLookup_Precedence(t *testing.T) {
	e := New()
	e.SetString("global", "region", "global-value")
	e.SetString("outputs", "region", "output-value")

	if v, ok := e.Lookup("region"); !ok || v != "output-value" {
		t.Fatalf("outputs should shadow global, got %q ok=%v", v, ok)
	}

	e.SetString("local", "region", "local-value")
	if v, _ := e.Lookup("region"); v != "local-value" {
		t.Fatalf("local should shadow outputs, got %q", v)
	}

	if _, ok := e.Lookup("missing"); ok {
		t.Fatal("missing key should not be found")
	}
}

func TestRender_FlatAndGrouped(t *testing.T) {
	e := New()
	e.SetString("global", "region", "eu-west-1")
	e.SetString("outputs", "instance_ip", "10.0.0.7")

	if got := e.Render("ssh {{.instance_ip}}"); got != "ssh 10.0.0.7" {
		t.Fatalf("flat lookup failed: %q", got)
	}
	if got := e.Render("{{.outputs.instance_ip}}:{{.env.region}}"); got != "10.0.0.7:eu-west-1" {
		t.Fatalf("grouped lookup failed: %q", got)
	}
}

func TestRender_ShellCharactersNotEscaped(t *testing.T) {
	e := New()
	e.SetString("local", "arg", `a&b<c>"d"`)
	if got := e.Render("{{.arg}}"); got != `a&b<c>"d"` {
		t.Fatalf("shell characters must pass through unescaped, got %q", got)
	}
}

func TestRender_MissingKeyReturnsUnchanged(t *testing.T) {
	e := New()
	in := "echo {{.nope}}"
	if got := e.Render(in); got != in {
		t.Fatalf("expected unchanged string on missing key, got %q", got)
	}
}

func TestRender_InvalidTemplateReturnsUnchanged(t *testing.T) {
	e := New()
	in := "echo {{.broken"
	if got := e.Render(in); got != in {
		t.Fatalf("expected unchanged string on parse error, got %q", got)
	}
}

func TestClone_Isolated(t *testing.T) {
	e := New()
	e.SetString("global", "a", "1")
	c := e.Clone()
	c.SetString("global", "a", "2")
	c.SetString("local", "b", "3")

	if v, _ := e.Lookup("a"); v != "1" {
		t.Fatalf("clone mutation leaked into original: %q", v)
	}
	if _, ok := e.Lookup("b"); ok {
		t.Fatal("clone local leaked into original")
	}
}

func TestClone_Nil(t *testing.T) {
	var e *Env
	c := e.Clone()
	if c == nil || c.Global == nil || c.Local == nil || c.Outputs == nil {
		t.Fatal("Clone of nil should return an initialized Env")
	}
}

func TestOSEnviron(t *testing.T) {
	e := New()
	e.SetString("global", "A", "1")
	e.SetString("local", "B", "2")
	e.SetString("local", "A", "override")

	got := e.OSEnviron()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "A=override" || got[1] != "B=2" {
		t.Fatalf("unexpected environ: %v", got)
	}
}

func TestUnmarshalYAML(t *testing.T) {
	var e Env
	doc := "host: example.com\nport: \"8080\"\n"
	if err := yaml.Unmarshal([]byte(doc), &e); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if v, _ := e.Lookup("host"); v != "example.com" {
		t.Fatalf("expected host in local layer, got %q", v)
	}
	if v, _ := e.Lookup("port"); v != "8080" {
		t.Fatalf("expected port in local layer, got %q", v)
	}
}
