package index

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringLineSource struct {
	r *bufio.Reader
}

func newStringLineSource(s string) *stringLineSource {
	return &stringLineSource{r: bufio.NewReader(strings.NewReader(s))}
}

func (s *stringLineSource) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	if line == "" && err == io.EOF {
		return "", io.EOF
	}
	return line, nil
}

type stringLineSink struct {
	sb strings.Builder
}

func (s *stringLineSink) Printf(format string, args ...interface{}) error {
	_, err := s.sb.WriteString(fmt.Sprintf(format, args...))
	return err
}

func TestParseLineBasic(t *testing.T) {
	fields, err := ParseLine("name=greet.txt&perms=0644&data=hi")
	require.NoError(t, err)
	assert.Equal(t, "greet.txt", fields["name"])
	assert.Equal(t, "0644", fields["perms"])
	assert.Equal(t, "hi", fields["data"])
}

func TestParseLineURLDecodesKeysAndValues(t *testing.T) {
	fields, err := ParseLine("name=with+space&target=a%26b")
	require.NoError(t, err)
	assert.Equal(t, "with space", fields["name"])
	assert.Equal(t, "a&b", fields["target"])
}

func TestParseLineMissingEqualsFails(t *testing.T) {
	_, err := ParseLine("name=a&&mtime=1")
	assert.ErrorIs(t, err, ErrBadIndexFile)
}

func TestReaderEndMarker(t *testing.T) {
	src := newStringLineSource("name=a&perms=0644\n[end]\n")
	r := NewReader(src)

	fields, end, err := r.Read()
	require.NoError(t, err)
	assert.False(t, end)
	assert.Equal(t, "a", fields["name"])

	_, end, err = r.Read()
	require.NoError(t, err)
	assert.True(t, end)
}

func TestReaderUnexpectedEOF(t *testing.T) {
	src := newStringLineSource("name=a&perms=0644\n")
	r := NewReader(src)

	_, _, err := r.Read()
	require.NoError(t, err)

	_, _, err = r.Read()
	assert.ErrorIs(t, err, ErrBadIndexFile)
}

func TestWriterPutAndEnd(t *testing.T) {
	sink := &stringLineSink{}
	w := NewWriter(sink)

	require.NoError(t, w.Put([]KV{{Key: "name", Value: "greet.txt"}, {Key: "data", Value: "hi"}}))
	require.NoError(t, w.End())

	assert.Equal(t, "name=greet.txt&data=hi\n[end]\n", sink.sb.String())
}

func TestSortedKV(t *testing.T) {
	kv := SortedKV(map[string]string{"b": "2", "a": "1"})
	require.Len(t, kv, 2)
	assert.Equal(t, "a", kv[0].Key)
	assert.Equal(t, "b", kv[1].Key)
}
