package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// The bootstrap line is a single-quoted, escaped string literal holding the bootstrap program,
// terminated by a newline. A peer reads one line, unquotes it and evaluates the program, which
// installs the prelude, runs any preamble statements and starts serving frames.

// SetEnv returns a preamble statement that sets an environment variable in the peer.
func SetEnv(key, value string) string {
	return fmt.Sprintf("bootstrap.setenv(%s, %s);", jsString(key), jsString(value))
}

// Chdir returns a preamble statement that changes the peer's working directory.
func Chdir(dir string) string {
	return fmt.Sprintf("bootstrap.chdir(%s);", jsString(dir))
}

// StdioSetNull returns a preamble statement that moves a stdio peer's transport off fds 0 and 1,
// pointing them at /dev/null so stray writes cannot corrupt the stream.
func StdioSetNull() string {
	return "bootstrap.stdioSetNull();"
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return string(b)
}

// bootstrapProgram is the program a peer evaluates to come up. The peer allocates even channel ids.
func bootstrapProgram(prelude string, preamble []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bootstrap.prelude(%s);\n", jsString(prelude))
	for _, stmt := range preamble {
		b.WriteString(stmt)
		b.WriteString("\n")
	}
	b.WriteString("bootstrap.serve(0);\n")
	return b.String()
}

func encodeBootstrapLine(program string) string {
	quoted := strconv.QuoteToASCII(program)
	inner := strings.ReplaceAll(quoted[1:len(quoted)-1], "'", `\x27`)
	return "'" + inner + "'\n"
}

func decodeBootstrapLine(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 || line[0] != '\'' || line[len(line)-1] != '\'' {
		return "", errors.New("bootstrap line is not a single-quoted string")
	}
	program, err := strconv.Unquote(`"` + line[1:len(line)-1] + `"`)
	if err != nil {
		return "", fmt.Errorf("unquoting bootstrap line: %w", err)
	}
	return program, nil
}
