// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpproxysrv

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
)

// hopByHop lists the connection-specific headers that filterHopByHop drops
// from a forwarded request's or relayed response's header set.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Keep-Alive":          true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func filterHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if hopByHop[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// countingWriter reports every successful Write to onChunk, matching the
// relay package's per-chunk counter convention so HTTP forwarding updates
// the registry the same way the raw CONNECT tunnel does.
type countingWriter struct {
	w       io.Writer
	onChunk func(uint64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.onChunk != nil {
		c.onChunk(uint64(n))
	}
	return n, err
}

// writeRequest serializes an origin-form request line, the filtered
// headers and the body onto upstream, counting every byte written via
// onSent. Content-Length is forwarded verbatim when known; otherwise the
// body is chunk-encoded, since the original body may already have been
// de-chunked by http.ReadRequest.
func writeRequest(upstream io.Writer, req *http.Request, onSent func(uint64)) error {
	counting := &countingWriter{w: upstream, onChunk: onSent}

	requestLine := fmt.Sprintf("%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	if _, err := io.WriteString(counting, requestLine); err != nil {
		return err
	}

	headers := filterHopByHop(req.Header)
	headers.Del("Host")
	if _, err := io.WriteString(counting, "Host: "+req.Host+"\r\n"); err != nil {
		return err
	}
	if err := writeHeaders(counting, headers); err != nil {
		return err
	}

	if req.Body == nil {
		_, err := io.WriteString(counting, "\r\n")
		return err
	}
	defer req.Body.Close()

	if req.ContentLength >= 0 {
		if _, err := io.WriteString(counting, fmt.Sprintf("Content-Length: %d\r\n\r\n", req.ContentLength)); err != nil {
			return err
		}
		_, err := io.CopyN(counting, req.Body, req.ContentLength)
		if err == io.EOF {
			err = nil
		}
		return err
	}

	if _, err := io.WriteString(counting, "Transfer-Encoding: chunked\r\n\r\n"); err != nil {
		return err
	}
	chunkWriter := httputil.NewChunkedWriter(counting)
	if _, err := io.Copy(chunkWriter, req.Body); err != nil {
		return err
	}
	return chunkWriter.Close()
}

func writeHeaders(w io.Writer, h http.Header) error {
	for k, values := range h {
		for _, v := range values {
			if _, err := io.WriteString(w, k+": "+v+"\r\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeResponse streams resp's status line, filtered headers and body to
// client, counting every byte written via onRecv.
func writeResponse(client io.Writer, resp *http.Response, onRecv func(uint64)) error {
	counting := &countingWriter{w: client, onChunk: onRecv}

	statusLine := fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	if _, err := io.WriteString(counting, statusLine); err != nil {
		return err
	}
	headers := filterHopByHop(resp.Header)
	if err := writeHeaders(counting, headers); err != nil {
		return err
	}

	defer resp.Body.Close()
	if resp.ContentLength >= 0 {
		if _, err := io.WriteString(counting, fmt.Sprintf("Content-Length: %d\r\n\r\n", resp.ContentLength)); err != nil {
			return err
		}
		_, err := io.CopyN(counting, resp.Body, resp.ContentLength)
		if err == io.EOF {
			err = nil
		}
		return err
	}

	if _, err := io.WriteString(counting, "Transfer-Encoding: chunked\r\n\r\n"); err != nil {
		return err
	}
	chunkWriter := httputil.NewChunkedWriter(counting)
	if _, err := io.Copy(chunkWriter, resp.Body); err != nil {
		return err
	}
	return chunkWriter.Close()
}
