package env

import (
	"bytes"
	"text/template"

	"gopkg.in/yaml.v3"
)

type Map map[string]string

// New returns a pointer to Env with all internal maps initialized.
// Using this helps avoid nil map checks when populating the layers.
func New() *Env {
	return &Env{Global: map[string]string{}, Local: map[string]string{}, Outputs: map[string]string{}}
}

// Env supports layered variables used when rendering stage command
// templates:
// - Global: variables from the pipeline/global config (apply to the whole run)
// - Local: variables declared on one stage (reset per stage)
// - Outputs: values extracted from upstream stage output during this run
// Lookup and rendering give precedence to Local over Outputs over Global.
// Zero values (nil maps) are handled gracefully.
type Env struct {
	Global  Map `yaml:"-" json:"-" mapstructure:"-"`
	Local   Map `yaml:"-" json:"env" mapstructure:"env"`
	Outputs Map `yaml:"-" json:"-" mapstructure:"-"`
}

// UnmarshalYAML allows decoding a plain mapping under the `env` key directly into Local.
func (e *Env) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	e.Local = m
	return nil
}

// SetString stores a value into the named layer ("global", "local" or "outputs").
func (e *Env) SetString(layer, key, value string) {
	switch layer {
	case "global":
		if e.Global == nil {
			e.Global = map[string]string{}
		}
		e.Global[key] = value
	case "outputs":
		if e.Outputs == nil {
			e.Outputs = map[string]string{}
		}
		e.Outputs[key] = value
	default:
		if e.Local == nil {
			e.Local = map[string]string{}
		}
		e.Local[key] = value
	}
}

// Clone returns a deep copy so per-stage mutation never leaks across stages.
func (e *Env) Clone() *Env {
	out := New()
	if e == nil {
		return out
	}
	for k, v := range e.Global {
		out.Global[k] = v
	}
	for k, v := range e.Local {
		out.Local[k] = v
	}
	for k, v := range e.Outputs {
		out.Outputs[k] = v
	}
	return out
}

// merged returns a combined map (Global, overridden by Outputs, overridden by Local).
func (e *Env) merged() map[string]string {
	m := map[string]string{}
	if e == nil {
		return m
	}
	for k, v := range e.Global {
		m[k] = v
	}
	for k, v := range e.Outputs {
		m[k] = v
	}
	for k, v := range e.Local {
		m[k] = v
	}
	return m
}

// dataForTemplate builds the dot object for template execution supporting
// flat lookups ({{.instance_ip}}) and grouped lookups ({{.env.instance_ip}},
// {{.outputs.instance_ip}}).
func (e *Env) dataForTemplate() map[string]interface{} {
	data := map[string]interface{}{}
	merged := e.merged()
	for k, v := range merged {
		data[k] = v
	}
	data["env"] = merged
	if e != nil && e.Outputs != nil {
		o := map[string]string{}
		for k, v := range e.Outputs {
			o[k] = v
		}
		data["outputs"] = o
	} else {
		data["outputs"] = map[string]string{}
	}
	return data
}

// Lookup searches Local first, then Outputs, then Global.
func (e *Env) Lookup(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	if v, ok := e.Local[key]; ok {
		return v, true
	}
	if v, ok := e.Outputs[key]; ok {
		return v, true
	}
	if v, ok := e.Global[key]; ok {
		return v, true
	}
	return "", false
}

// Render renders strings like {{.instance_ip}} with text/template using
// default Go delimiters. Rendering commands with html/template would escape
// shell-significant characters, so text/template is used on purpose.
// Strings that fail to parse or execute are returned unchanged.
func (e *Env) Render(s string) string {
	if len(s) == 0 {
		return s
	}
	t, err := template.New("tmpl").Option("missingkey=error").Parse(s)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, e.dataForTemplate()); err != nil {
		return s
	}
	return buf.String()
}

// OSEnviron flattens the merged layers into KEY=value pairs suitable for
// exec.Cmd.Env.
func (e *Env) OSEnviron() []string {
	merged := e.merged()
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
