package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xpertai/control-plane/pkg/models"
)

// Signals are read-only hints shared by every agent of a turn.
type Signals struct {
	IndicatorCodes []string `json:"indicatorCodes,omitempty"`
	BusinessAreas  []string `json:"businessAreas,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

func (s *Signals) empty() bool {
	return s == nil || len(s.IndicatorCodes)+len(s.BusinessAreas)+len(s.Tags) == 0
}

// RenderPrompt substitutes {{name}} placeholders with values from vars.
func RenderPrompt(template string, vars map[string]string) string {
	result := template
	for key, val := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", val)
	}
	return result
}

// ValidateParameters checks that every non-optional parameter is present
// in inputs and that select parameters use one of their options.
func ValidateParameters(params []models.Parameter, inputs map[string]any) error {
	var missing []string
	for _, p := range params {
		v, ok := inputs[p.Name]
		if !ok || v == nil || v == "" {
			if !p.Optional {
				missing = append(missing, p.Name)
			}
			continue
		}
		if p.Type == models.ParameterSelect && len(p.Options) > 0 {
			s := fmt.Sprint(v)
			found := false
			for _, o := range p.Options {
				if o == s {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Options)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// promptVars flattens chat inputs into template variables; "input" is
// always the human message.
func promptVars(input string, params map[string]any) map[string]string {
	vars := make(map[string]string, len(params)+1)
	for k, v := range params {
		vars[k] = fmt.Sprint(v)
	}
	vars["input"] = input
	return vars
}

func renderSignals(s *Signals) string {
	if s.empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nContext:\n")
	write := func(label string, values []string) {
		if len(values) == 0 {
			return
		}
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		fmt.Fprintf(&b, "- %s: %s\n", label, strings.Join(sorted, ", "))
	}
	write("Indicator codes", s.IndicatorCodes)
	write("Business areas", s.BusinessAreas)
	write("Tags", s.Tags)
	return b.String()
}
