package msg

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestIndentWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &IndentWriter{Indent: "    ", W: &buf}

	n, err := w.Write([]byte("first\nsecond\n"))
	assert.NoError(t, err)
	assert.Equal(t, 13, n)

	_, err = w.Write([]byte("third"))
	assert.NoError(t, err)
	assert.Equal(t, "    first\n    second\n    third", buf.String())

	_, err = w.Write([]byte(" continued\n"))
	assert.NoError(t, err)
	assert.Equal(t, "    first\n    second\n    third continued\n", buf.String())
}

func TestPrefixedMessages(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	orig := Output
	Output = &buf
	defer func() { Output = orig }()

	Info("built %s", "Greeter.so")
	Warn("no native sources")
	Error("boom %d", 1)

	assert.Equal(t, "info: built Greeter.so\nwarn: no native sources\nerror: boom 1\n", buf.String())
}

func TestSetVerbose(t *testing.T) {
	defer SetVerbose(false)

	SetVerbose(false)
	assert.False(t, Verbose())
	SetVerbose(true)
	assert.True(t, Verbose())
}
