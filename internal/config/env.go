package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// ExpandEnvStrict expands ${VAR} references and errors listing every
// referenced variable that is not set.
func ExpandEnvStrict(input string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(input, func(ref string) string {
		name := envPattern.FindStringSubmatch(ref)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing env var %s", strings.Join(missing, ", "))
	}
	return out, nil
}
