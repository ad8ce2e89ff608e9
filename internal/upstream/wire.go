package upstream

import (
	"fmt"
	"io"

	"relay-proxy-go/internal/relay"
)

// writeRequestHeaders writes an HTTP/1.1 request line and header block
// for meta. When chunked is true a Transfer-Encoding header is added
// because the body length is unknown at header time.
func writeRequestHeaders(w io.Writer, meta relay.RequestMeta, chunked bool) error {
	path := meta.Path
	if path == "" {
		path = "/"
	}
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", meta.Method, path); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Host: %s\r\n", meta.Host); err != nil {
		return err
	}
	if err := meta.Header.Write(w); err != nil {
		return err
	}
	if chunked {
		if _, err := io.WriteString(w, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
