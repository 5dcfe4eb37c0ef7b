package util

import (
	"github.com/Ram-1405/piperun/internal/env"
)

// RenderArgv renders every element of a command argv with the provided env.
func RenderArgv(argv []string, e *env.Env) []string {
	if len(argv) == 0 {
		return argv
	}
	out := make([]string, len(argv))
	for i, a := range argv {
		if e == nil {
			out[i] = a
			continue
		}
		out[i] = e.Render(a)
	}
	return out
}

// RenderStringMap renders every value of a string map with the provided env.
func RenderStringMap(in map[string]string, e *env.Env) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if e == nil {
			out[k] = v
			continue
		}
		out[k] = e.Render(v)
	}
	return out
}
