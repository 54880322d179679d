package client

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://api.example.com/", want: "https://api.example.com"},
		{in: "  http://localhost:8080 ", want: "http://localhost:8080"},
		{in: "http://h/prefix//", want: "http://h/prefix"},
		{in: "", wantErr: true},
		{in: "localhost:8080", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, c := range cases {
		got, err := normalizeBaseURL(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestURLHelpers(t *testing.T) {
	assert.True(t, isAbsoluteURL("https://example.com/x"))
	assert.True(t, isAbsoluteURL("HTTP://example.com"))
	assert.False(t, isAbsoluteURL("/api/tickets"))

	assert.Equal(t, "http://h/api/x", joinURL("http://h/", "/api/x"))
	assert.Equal(t, "http://h/api/x", joinURL("http://h", "api/x"))
	assert.Equal(t, "http://h", joinURL("http://h", ""))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad", errorMessage([]byte(`{"message":"bad"}`)))
	assert.Equal(t, "worse", errorMessage([]byte(`{"error":"worse"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text\n")))
	assert.Len(t, errorMessage([]byte(strings.Repeat("x", 500))), 200)
	assert.Empty(t, errorMessage(nil))
}

func TestDecodeData(t *testing.T) {
	var wrapped []int
	require.NoError(t, decodeData([]byte(`{"data":[1,2]}`), &wrapped))
	assert.Equal(t, []int{1, 2}, wrapped)

	var bare []int
	require.NoError(t, decodeData([]byte(`[3]`), &bare))
	assert.Equal(t, []int{3}, bare)

	var obj struct {
		Name string `json:"name"`
	}
	require.NoError(t, decodeData([]byte(`{"name":"x"}`), &obj))
	assert.Equal(t, "x", obj.Name)

	assert.Error(t, decodeData([]byte(`{`), &obj))
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(`{}`))}
	body, err := checkResponse(ok)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	bad := &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(`{"message":"gone"}`))}
	_, err = checkResponse(bad)
	require.Error(t, err)
	assert.True(t, IsStatus(err, 404))
	assert.False(t, IsStatus(err, 500))
	assert.Contains(t, err.Error(), "gone")
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "***", tokenPrefix("abc"))
	assert.Equal(t, "abcdef...", tokenPrefix("abcdefghijkl"))
}
