package capture

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersDuplicatesPreserved(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Add("Content-Type", "text/html")

	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("set-cookie"))
	assert.Equal(t, "a=1", h.Get("Set-Cookie"))
	assert.Equal(t, 3, h.Len())
}

func TestHeadersCaseInsensitiveLookup(t *testing.T) {
	h := NewHeaders("Accept", "application/json")

	assert.Equal(t, "application/json", h.Get("accept"))
	assert.Equal(t, "application/json", h.Get("ACCEPT"))
	assert.True(t, h.Has("aCcEpT"))
	assert.False(t, h.Has("Accept-Encoding"))
}

func TestHeadersSetIsRemoveAllThenAdd(t *testing.T) {
	h := NewHeaders()
	h.Add("X-Multi", "1")
	h.Add("x-multi", "2")
	h.Set("X-Multi", "only")

	assert.Equal(t, []string{"only"}, h.Values("X-Multi"))
	assert.Equal(t, 1, h.Len())
}

func TestHeadersInsertionOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("B", "2")
	h.Add("A", "1")
	h.Add("B", "3")

	var got []string
	h.Walk(func(k, v string) bool {
		got = append(got, k+"="+v)
		return true
	})
	assert.Equal(t, []string{"B=2", "A=1", "B=3"}, got)
}

func TestHeadersWalkEarlyStop(t *testing.T) {
	h := NewHeaders("A", "1", "B", "2", "C", "3")

	count := 0
	h.Walk(func(k, v string) bool {
		count++
		return count < 2
	})
	assert.Equal(t, 2, count)
}

func TestHeadersCloneIndependent(t *testing.T) {
	h := NewHeaders("A", "1")
	c := h.Clone()
	c.Add("B", "2")
	c.Set("A", "changed")

	assert.Equal(t, "1", h.Get("A"))
	assert.False(t, h.Has("B"))
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders("Cookie", "x", "Cookie", "y", "Host", "example.com")
	h.Del("cookie")

	assert.False(t, h.Has("Cookie"))
	assert.Equal(t, "example.com", h.Get("Host"))
	assert.Equal(t, 1, h.Len())
}

func TestHeadersHTTPRoundTrip(t *testing.T) {
	src := http.Header{}
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Add("Content-Type", "text/plain")

	h := HeadersFromHTTP(src)
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))

	back := h.ToHTTP()
	assert.Equal(t, src, back)
}

func TestHeadersString(t *testing.T) {
	h := NewHeaders("Host", "example.com", "Accept", "*/*")
	assert.Equal(t, "Host: example.com\r\nAccept: */*\r\n", h.String())
}
