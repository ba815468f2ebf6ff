// Package portutil allocates free TCP ports and substitutes port
// placeholders in command strings. Test environment commands use $PORT
// style placeholders so several agents can run the same dev server
// side by side without colliding.
package portutil

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Matches $PORT, ${PORT} and prefixed/suffixed variants like ${API_PORT}.
var placeholderPattern = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// AllocatePort asks the OS for a free TCP port and releases it immediately.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// TransformCommand replaces every port placeholder in command with a freshly
// allocated port. Repeated occurrences of the same placeholder share one
// port. The returned map carries the allocations keyed by placeholder name,
// suitable for passing as environment variables.
func TransformCommand(command string) (string, map[string]string, error) {
	env := make(map[string]string)
	for _, name := range placeholderNames(command) {
		port, err := AllocatePort()
		if err != nil {
			return "", nil, fmt.Errorf("failed to allocate port for %s: %w", name, err)
		}
		env[name] = strconv.Itoa(port)
	}

	out := command
	for name, port := range env {
		out = strings.ReplaceAll(out, "${"+name+"}", port)
		out = strings.ReplaceAll(out, "$"+name, port)
	}
	return out, env, nil
}

// placeholderNames returns the unique placeholder names in command.
func placeholderNames(command string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(command, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
