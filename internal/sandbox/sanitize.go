package sandbox

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var (
	inputTypes = regexp.MustCompile(`^(range|number|text|checkbox|radio|color|button)$`)
	plainValue = regexp.MustCompile(`^[\p{L}\p{N}\s\-_.,:#%()]*$`)

	policy = newPolicy()
)

// newPolicy allows layout, text, canvas and simple form controls. Script
// elements, event handler attributes and javascript: URLs never survive.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("canvas", "div", "span", "section", "label", "button", "input", "select", "option", "output", "small")
	p.AllowAttrs("width", "height").Matching(bluemonday.Integer).OnElements("canvas")
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).Globally()
	p.AllowAttrs("type").Matching(inputTypes).OnElements("input")
	p.AllowAttrs("value", "min", "max", "step", "placeholder").Matching(plainValue).OnElements("input", "option", "button")
	p.AllowAttrs("checked", "disabled", "selected").OnElements("input", "option", "button")
	p.AllowAttrs("for").Matching(bluemonday.SpaceSeparatedTokens).OnElements("label", "output")
	p.AllowAttrs("style").Globally()
	p.AllowStyles(
		"color", "background", "background-color", "border", "border-radius",
		"width", "height", "max-width", "margin", "padding", "display",
		"font-size", "font-weight", "font-family", "text-align", "gap",
	).Globally()

	return p
}

// Sanitize strips executable content from generated markup.
func Sanitize(markup string) string {
	return policy.Sanitize(markup)
}
