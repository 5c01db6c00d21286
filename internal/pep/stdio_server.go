package pep

import (
	"bufio"
	"context"
	"io"
)

// StdioServer serves the Proxy to a single downstream client over
// newline-delimited JSON-RPC on stdio, the same wire format
// StdioUpstream speaks to its upstreams. There is no bearer-token
// concept for a local stdio client; the caller supplies a fixed
// RequestMeta (typically populated from process environment at
// startup) that's used for every request.
type StdioServer struct {
	proxy *Proxy
	meta  RequestMeta
}

func NewStdioServer(proxy *Proxy, meta RequestMeta) *StdioServer {
	return &StdioServer{proxy: proxy, meta: meta}
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx is canceled.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := append([]byte(nil), scanner.Bytes()...)
		resp := s.proxy.HandleRequest(ctx, s.meta, line)
		if resp == nil {
			continue
		}
		if _, err := out.Write(append(resp, '\n')); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}
