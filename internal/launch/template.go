package launch

import (
	"regexp"
	"strings"

	"github.com/provide-io/kiln/internal/kilnerr"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// required placeholders fail substitution when their value is empty.
var required = map[string]bool{
	"auth_player_name":  true,
	"auth_access_token": true,
	"auth_session":      true,
	"accessToken":       true,
}

// substitute fills every ${name} in arg from vars.
func substitute(arg string, vars map[string]string) (string, error) {
	if !strings.Contains(arg, "${") {
		return arg, nil
	}

	var failed string
	out := placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := vars[name]
		if !ok || (required[name] && value == "") {
			if failed == "" {
				failed = name
			}
			return match
		}
		return value
	})
	if failed != "" {
		return "", kilnerr.TemplateSubstitution(failed, arg)
	}
	return out, nil
}

func substituteAll(args []string, vars map[string]string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		filled, err := substitute(a, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, filled)
	}
	return out, nil
}
