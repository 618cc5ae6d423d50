package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestURLAccessors(t *testing.T) {
	r := NewRequest("GET", "https://example.com:8443/search?q=one&q=two", nil, nil)

	assert.Equal(t, "/search", r.Path())
	assert.Equal(t, "q=one&q=two", r.QueryString())
	assert.Equal(t, "example.com:8443", r.Host())
	assert.Equal(t, "https://example.com:8443/search?q=one&q=two", r.String())
}

func TestRequestCreateResponse(t *testing.T) {
	r := NewRequest("GET", "https://example.com/", nil, nil)

	err := r.CreateResponse(200, NewHeaders("Content-Type", "text/html"), []byte("<html>Hi</html>"))
	require.NoError(t, err)
	require.NotNil(t, r.Response)

	assert.Equal(t, 200, r.Response.StatusCode)
	assert.Equal(t, "OK", r.Response.Reason)
	assert.Equal(t, "text/html", r.Response.Headers.Get("Content-Type"))
	assert.Equal(t, []byte("<html>Hi</html>"), r.Response.Body)
	assert.False(t, r.Response.Date.IsZero())
}

func TestRequestCreateResponseRejectsUnknownStatus(t *testing.T) {
	r := NewRequest("GET", "https://example.com/", nil, nil)

	assert.Error(t, r.CreateResponse(99, nil, nil))
	assert.Error(t, r.CreateResponse(600, nil, nil))
	assert.Nil(t, r.Response)
}

func TestRequestAbort(t *testing.T) {
	r := NewRequest("POST", "https://example.com/upload", nil, []byte("data"))

	require.NoError(t, r.Abort(403))
	require.NotNil(t, r.Response)
	assert.Equal(t, 403, r.Response.StatusCode)
	assert.Equal(t, "Forbidden", r.Response.Reason)
	assert.Empty(t, r.Response.Body)
}

func TestRequestCloneIsDeep(t *testing.T) {
	r := NewRequest("GET", "https://example.com/", NewHeaders("A", "1"), []byte("body"))
	require.NoError(t, r.CreateResponse(200, NewHeaders("B", "2"), []byte("resp")))
	r.WSMessages = []WebSocketMessage{{FromClient: true, Content: []byte("hello"), Date: time.Now()}}
	r.Cert = &CertInfo{CommonName: "example.com", AltNames: []string{"example.com"}}

	c := r.Clone()
	c.Headers.Set("A", "mutated")
	c.Body[0] = 'X'
	c.Response.Body[0] = 'X'
	c.WSMessages[0].Content[0] = 'X'
	c.Cert.AltNames[0] = "mutated"

	assert.Equal(t, "1", r.Headers.Get("A"))
	assert.Equal(t, byte('b'), r.Body[0])
	assert.Equal(t, byte('r'), r.Response.Body[0])
	assert.Equal(t, byte('h'), r.WSMessages[0].Content[0])
	assert.Equal(t, "example.com", r.Cert.AltNames[0])
}

func TestWebSocketMessageString(t *testing.T) {
	text := WebSocketMessage{Content: []byte("ping"), Binary: false}
	bin := WebSocketMessage{Content: []byte{0x01, 0x02, 0x03}, Binary: true}

	assert.Equal(t, "ping", text.String())
	assert.Equal(t, "<3 bytes of binary websocket data>", bin.String())
}

func TestResponseString(t *testing.T) {
	resp := &Response{StatusCode: 404, Reason: "Not Found"}
	assert.Equal(t, "404 Not Found", resp.String())
}
