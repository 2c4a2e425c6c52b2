package engine

import (
	"html"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// RenderContext maps template variable names to values. The defined
// keys are company_name, contact_name, opportunity_name, owner_name,
// days_since_enrollment; callers may add extension keys.
type RenderContext map[string]string

// Variables that must be non-empty when referenced.
var requiredVariables = map[string]bool{
	"company_name": true,
	"contact_name": true,
}

var (
	ifBlockRe = regexp.MustCompile(`(?s)\{\{#if\s+([A-Za-z0-9_]+)\}\}(.*?)\{\{/if\}\}`)
	rawVarRe  = regexp.MustCompile(`\{\{\{([A-Za-z0-9_]+)\}\}\}`)
	varRe     = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)
	anyTagRe  = regexp.MustCompile(`\{\{[#/]`)
)

// renderer expands {{name}} placeholders and {{#if name}}…{{/if}}
// blocks. Bodies are HTML-escaped unless the triple-brace raw form is
// used; unknown variables expand to the empty string with a warning;
// empty required variables are a permanent failure.
type renderer struct {
	log *logrus.Logger
}

// Render expands tmpl against ctx. escape applies HTML escaping to
// substituted values (body templates); subject templates pass false.
func (r renderer) Render(tmpl string, ctx RenderContext, escape bool) (string, error) {
	// Conditional blocks first so their contents see normal expansion.
	out := ifBlockRe.ReplaceAllStringFunc(tmpl, func(block string) string {
		m := ifBlockRe.FindStringSubmatch(block)
		if strings.TrimSpace(ctx[m[1]]) == "" {
			return ""
		}
		return m[2]
	})

	// An unmatched {{#if or {{/if left over means the template is
	// malformed.
	if anyTagRe.MatchString(out) {
		return "", E(KindInvalidTemplate, "unbalanced conditional block")
	}

	var missing string
	sub := func(name string, raw bool) string {
		val, known := ctx[name]
		if requiredVariables[name] && strings.TrimSpace(val) == "" {
			if missing == "" {
				missing = name
			}
			return ""
		}
		if !known {
			r.warn(name)
			return ""
		}
		if raw || !escape {
			return val
		}
		return html.EscapeString(val)
	}

	out = rawVarRe.ReplaceAllStringFunc(out, func(tag string) string {
		return sub(rawVarRe.FindStringSubmatch(tag)[1], true)
	})
	out = varRe.ReplaceAllStringFunc(out, func(tag string) string {
		return sub(varRe.FindStringSubmatch(tag)[1], false)
	})

	if missing != "" {
		return "", E(KindMissingRequiredContext, "required variable %s is empty", missing)
	}
	return out, nil
}

func (r renderer) warn(name string) {
	if r.log != nil {
		r.log.WithField("variable", name).Warn("template references unknown variable")
	}
}

// RenderTemplate is the engine's rendering entry point.
func (e *Engine) RenderTemplate(tmpl string, ctx RenderContext, escape bool) (string, error) {
	return renderer{log: e.log}.Render(tmpl, ctx, escape)
}
