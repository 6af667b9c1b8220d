package job

import (
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/SirClappington/planb/internal/catalog"
)

var dqEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

// doubleQuote wraps s in double quotes with every shell-active character
// escaped.
func doubleQuote(s string) string {
	return `"` + dqEscaper.Replace(s) + `"`
}

func quotePath(p string) string {
	return shellquote.Join(p)
}

// stagedPath is where an input path lands inside the data directory.
func (j *Job) stagedPath(p string) string {
	return path.Join(j.DataDir(), path.Base(strings.TrimRight(p, "/")))
}

// Arguments renders the run script's argument string: declared inputs first,
// then declared parameters, both in catalog order.
func (j *Job) Arguments() string {
	var args []string
	for _, in := range j.app.Inputs {
		paths := j.Inputs[in.ID]
		if len(paths) == 0 {
			continue
		}
		local := make([]string, 0, len(paths))
		for _, p := range paths {
			local = append(local, quotePath(j.stagedPath(p)))
		}
		args = append(args, joinArg(in.Argument, strings.Join(local, " ")))
	}
	for _, p := range j.app.Parameters {
		if arg, ok := j.renderParameter(p); ok {
			args = append(args, arg)
		}
	}
	return strings.Join(args, " ")
}

// renderParameter uses the supplied value, or the declared default when the
// value is absent or empty. Flags only ever follow the supplied value.
func (j *Job) renderParameter(p catalog.Parameter) (string, bool) {
	v, ok := j.Parameters[p.ID]
	if p.Type == catalog.ValueFlag {
		if !ok || p.Argument == "" || !truthy(v) {
			return "", false
		}
		return p.Argument, true
	}
	if !ok || isBlank(v) {
		v = p.Default
	}
	if isBlank(v) {
		return "", false
	}
	return joinArg(p.Argument, doubleQuote(renderValue(v))), true
}

func joinArg(flag, value string) string {
	if flag == "" {
		return value
	}
	return flag + " " + value
}
