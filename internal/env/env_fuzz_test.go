package env

import "testing"

// FuzzRender fuzzes the template renderer to ensure it never panics on
// arbitrary inputs and always returns a string (may be identical to input).
func FuzzRender(f *testing.F) {
	f.Add("")
	f.Add("plain text")
	f.Add("hello {{.name}}")
	f.Add("{{.outputs.instance_ip}}")
	f.Add("{{.MISSING}") // malformed template
	f.Add("{{.a}}{{.b}}{{.c}}")

	e := New()
	e.SetString("global", "name", "world")
	e.SetString("outputs", "instance_ip", "10.0.0.7")
	e.SetString("local", "c", "3")
	f.Fuzz(func(t *testing.T, s string) {
		_ = e.Render(s)
	})
}
