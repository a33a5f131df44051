package streammux

import (
	"net/http"
	"strings"
	"testing"
)

func TestResponseParserContentLengthComplete(t *testing.T) {
	p := NewResponseParser()

	var gotHead ResponseHead
	var gotBody []byte
	completed := false
	p.OnHead(func(h ResponseHead) { gotHead = h })
	p.OnBody(func(b []byte) { gotBody = append(gotBody, b...) })
	p.OnComplete(func() { completed = true })

	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if gotHead.StatusCode != 200 || gotHead.StatusText != "OK" {
		t.Fatalf("unexpected head: %+v", gotHead)
	}
	if gotHead.Framing != FramingContentLength {
		t.Fatalf("expected content-length framing, got %s", gotHead.Framing)
	}
	if gotHead.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("expected header to be parsed, got %+v", gotHead.Header)
	}
	if string(gotBody) != "hello" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
	if !completed {
		t.Fatal("expected OnComplete to fire")
	}
}

func TestResponseParserContentLengthSplitAcrossFeeds(t *testing.T) {
	p := NewResponseParser()
	var gotBody []byte
	completed := false
	p.OnBody(func(b []byte) { gotBody = append(gotBody, b...) })
	p.OnComplete(func() { completed = true })

	head := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"
	for _, part := range []string{head[:20], head[20:], "abcde", "fghij"} {
		if err := p.Feed([]byte(part)); err != nil {
			t.Fatalf("Feed(%q): %v", part, err)
		}
	}
	if string(gotBody) != "abcdefghij" {
		t.Fatalf("unexpected reassembled body: %q", gotBody)
	}
	if !completed {
		t.Fatal("expected OnComplete to fire")
	}
}

func TestResponseParserChunkedTransferEncoding(t *testing.T) {
	p := NewResponseParser()
	var gotBody []byte
	completed := false
	p.OnBody(func(b []byte) { gotBody = append(gotBody, b...) })
	p.OnComplete(func() { completed = true })

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if p.Head().Framing != FramingChunked {
		t.Fatalf("expected chunked framing, got %s", p.Head().Framing)
	}
	if string(gotBody) != "hello world" {
		t.Fatalf("unexpected dechunked body: %q", gotBody)
	}
	if !completed {
		t.Fatal("expected OnComplete to fire at final chunk")
	}
}

func TestResponseParserChunkedSplitAcrossFeeds(t *testing.T) {
	p := NewResponseParser()
	var gotBody []byte
	p.OnBody(func(b []byte) { gotBody = append(gotBody, b...) })

	full := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"
	for i := 0; i < len(full); i++ {
		if err := p.Feed([]byte{full[i]}); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
	}
	if string(gotBody) != "abc" {
		t.Fatalf("unexpected body from byte-at-a-time feed: %q", gotBody)
	}
}

func TestResponseParserConnectionCloseStreamsUntilClosed(t *testing.T) {
	p := NewResponseParser()
	var gotBody []byte
	completed := false
	p.OnBody(func(b []byte) { gotBody = append(gotBody, b...) })
	p.OnComplete(func() { completed = true })

	if err := p.Feed([]byte("HTTP/1.0 200 OK\r\n\r\npartial-")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if p.Head().Framing != FramingConnectionClose {
		t.Fatalf("expected connection-close framing, got %s", p.Head().Framing)
	}
	if completed {
		t.Fatal("should not complete before the stream closes")
	}

	if err := p.Feed([]byte("body")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	p.Closed()

	if string(gotBody) != "partial-body" {
		t.Fatalf("unexpected streamed body: %q", gotBody)
	}
	if !completed {
		t.Fatal("expected OnComplete to fire once the stream closes")
	}
}

func TestResponseParserMalformedStatusLineRejected(t *testing.T) {
	p := NewResponseParser()
	err := p.Feed([]byte("NOT A STATUS LINE\r\n\r\n"))
	if err == nil {
		t.Fatal("expected error for malformed status line")
	}
}

func TestResponseParserStatusLineWithoutReasonPhrase(t *testing.T) {
	p := NewResponseParser()
	var gotHead ResponseHead
	p.OnHead(func(h ResponseHead) { gotHead = h })
	if err := p.Feed([]byte("HTTP/1.1 204\r\nContent-Length: 0\r\n\r\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if gotHead.StatusCode != 204 || gotHead.StatusText != "" {
		t.Fatalf("unexpected head: %+v", gotHead)
	}
}

func TestBuildRequestStripsHostAndConnectionAndForcesClose(t *testing.T) {
	header := http.Header{}
	header.Set("Host", "ignored.example")
	header.Set("Connection", "keep-alive")
	header.Set("X-Custom", "1")

	req := BuildRequest("POST", "/api/items", "agent.local", header, []byte(`{"a":1}`))
	s := string(req)

	if !strings.HasPrefix(s, "POST /api/items HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Host: agent.local\r\n") {
		t.Fatalf("expected Host header to be set from argument: %q", s)
	}
	if !strings.Contains(s, "Connection: close\r\n") {
		t.Fatalf("expected Connection: close to be forced: %q", s)
	}
	if strings.Contains(s, "ignored.example") || strings.Contains(s, "keep-alive") {
		t.Fatalf("expected supplied Host/Connection headers to be stripped: %q", s)
	}
	if !strings.Contains(s, "Content-Length: 7\r\n") {
		t.Fatalf("expected auto Content-Length: %q", s)
	}
	if !strings.HasSuffix(s, `{"a":1}`) {
		t.Fatalf("expected body to be appended: %q", s)
	}
}

func TestBuildRequestNoBodyOmitsContentLength(t *testing.T) {
	req := BuildRequest("GET", "/", "agent.local", http.Header{}, nil)
	if strings.Contains(string(req), "Content-Length") {
		t.Fatalf("expected no Content-Length for empty body: %q", req)
	}
}
