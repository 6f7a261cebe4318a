package loader

import (
	"strings"
)

// stylesheetEscaper applies the escaping steps in order: drop newlines,
// escape double quotes, escape single quotes. Backslashes pass through
// untouched, so a backslash directly before a single quote in the source
// still terminates the generated literal.
var stylesheetEscaper = []struct{ old, new string }{
	{"\n", ""},
	{`"`, `\"`},
	{`'`, `\'`},
}

// EscapeStylesheet collapses css onto one line and escapes its quotes so it
// can sit inside a single-quoted script string
func EscapeStylesheet(css string) string {
	for _, r := range stylesheetEscaper {
		css = strings.ReplaceAll(css, r.old, r.new)
	}
	return css
}

// WrapStylesheet converts css into a script that appends a style element
// holding the stylesheet to the document head when executed
func WrapStylesheet(css string) string {
	var b strings.Builder
	b.WriteString("const style = document.createElement(\"style\");\n")
	b.WriteString("style.innerText = '")
	b.WriteString(EscapeStylesheet(css))
	b.WriteString("';\n")
	b.WriteString("document.head.appendChild(style);\n")
	return b.String()
}
