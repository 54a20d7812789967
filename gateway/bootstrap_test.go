package gateway

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/guseggert/execgate/script"
	"github.com/guseggert/execgate/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapLineRoundTrip(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"plain":         "bootstrap.serve(0);",
		"single quotes": `print('it\'s'); print("it's")`,
		"newlines":      "a();\nb();\r\n\tc();\n",
		"unicode":       "print(\"héllo wörld ✓\");",
		"backslashes":   `var re = /\d+\\/; print("\\n")`,
		"control":       "\x00\x01\x7f",
	}
	for name, program := range cases {
		program := program
		t.Run(name, func(t *testing.T) {
			line := encodeBootstrapLine(program)
			assert.True(t, strings.HasPrefix(line, "'"))
			assert.True(t, strings.HasSuffix(line, "'\n"))
			assert.Equal(t, 1, strings.Count(line, "\n"), "line must be a single line")
			assert.Equal(t, 2, strings.Count(line, "'"), "only the delimiting quotes may appear unescaped")
			for _, r := range line {
				assert.Less(t, r, rune(0x80), "line must be ASCII")
			}

			decoded, err := decodeBootstrapLine(line)
			require.NoError(t, err)
			assert.Equal(t, program, decoded)
		})
	}
}

func TestDecodeBootstrapLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "\n", "serve()\n", `"double quoted"` + "\n", `'\q'` + "\n"} {
		_, err := decodeBootstrapLine(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestEvalBootstrap(t *testing.T) {
	t.Setenv("EXECGATE_BOOTSTRAP_TEST", "")
	program := bootstrapProgram(script.Prelude, []string{SetEnv("EXECGATE_BOOTSTRAP_TEST", "x'y\"z")})
	cfg, err := evalBootstrap(program, nopTransport{})
	require.NoError(t, err)
	assert.Equal(t, "x'y\"z", os.Getenv("EXECGATE_BOOTSTRAP_TEST"))

	assert.Equal(t, script.Prelude, cfg.prelude)
	assert.Equal(t, uint32(0), cfg.start)
	assert.True(t, cfg.serve)
	assert.Equal(t, []string{"setenv EXECGATE_BOOTSTRAP_TEST"}, cfg.preamble)
}

func TestEvalBootstrapRequiresServe(t *testing.T) {
	_, err := evalBootstrap(`bootstrap.prelude("");`, nopTransport{})
	assert.ErrorContains(t, err, "never started serving")

	_, err = evalBootstrap(`bootstrap.serve(1);`, nopTransport{})
	assert.ErrorContains(t, err, "odd channel ids")

	_, err = evalBootstrap(`this is not a program`, nopTransport{})
	assert.Error(t, err)
}

type nopTransport struct{}

func (nopTransport) Read(b []byte) (int, error)  { return 0, io.EOF }
func (nopTransport) Write(b []byte) (int, error) { return len(b), nil }
func (nopTransport) Close() error                { return nil }
func (nopTransport) String() string              { return "nop" }

// fixedNuller reports err from SetNull.
type fixedNuller struct {
	nopTransport
	err   error
	calls int
}

func (n *fixedNuller) SetNull() error {
	n.calls++
	return n.err
}

func TestEvalBootstrapStdioSetNull(t *testing.T) {
	program := bootstrapProgram("", []string{StdioSetNull()})

	n := &fixedNuller{}
	cfg, err := evalBootstrap(program, n)
	require.NoError(t, err)
	assert.Equal(t, 1, n.calls)
	assert.False(t, cfg.stdoutUnsafe)

	n = &fixedNuller{err: transport.ErrSetNullUnsupported}
	cfg, err = evalBootstrap(program, n)
	require.NoError(t, err)
	assert.True(t, cfg.stdoutUnsafe)
	assert.Equal(t, []string{"stdio set null unsupported"}, cfg.preamble)

	_, err = evalBootstrap(program, &fixedNuller{err: errors.New("dup failed")})
	assert.ErrorContains(t, err, "dup failed")

	// transports that are not the process's stdio are left alone
	cfg, err = evalBootstrap(program, nopTransport{})
	require.NoError(t, err)
	assert.False(t, cfg.stdoutUnsafe)
}

func TestStdoutOffFD1(t *testing.T) {
	g := newGateway(nopTransport{}, 0, WithLogger(log.Desugar()), withStdoutOffFD1())
	assert.Equal(t, os.Stderr, g.stdout)

	var out bytes.Buffer
	g = newGateway(nopTransport{}, 0, WithLogger(log.Desugar()), WithOutputs(&out, io.Discard), withStdoutOffFD1())
	assert.Equal(t, &out, g.stdout)
}
