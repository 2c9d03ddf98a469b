package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/message"
)

// RemoteTransport serves requests for http and https URLs with net/http,
// streaming the remote body into the response as it arrives.
type RemoteTransport struct {
	client *http.Client
}

// NewRemoteTransport returns a transport using client, or
// http.DefaultClient when client is nil.
func NewRemoteTransport(client *http.Client) *RemoteTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteTransport{client: client}
}

func (t *RemoteTransport) ServeRequest(req *message.Request, res *message.Response) {
	ctx := req.Context()

	method := req.Method
	if method == "SUBSCRIBE" {
		method = http.MethodGet
		if req.Accept() == content.TypeAny {
			req.SetHeader("accept", content.TypeEventStream)
		}
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		select {
		case <-req.Done():
		case <-ctx.Done():
			res.Fail(0, ctx.Err().Error())
			return
		}
		body = bytes.NewReader(req.BodyBytes())
	}

	hr, err := http.NewRequestWithContext(ctx, method, req.FullURL(), body)
	if err != nil {
		res.Fail(0, err.Error())
		return
	}
	if err := req.SerializeHeaders(); err != nil {
		res.Fail(0, err.Error())
		return
	}
	for _, k := range req.Header().Keys() {
		hr.Header.Set(k, req.Header().String(k))
	}

	resp, err := t.client.Do(hr)
	if err != nil {
		res.Fail(0, err.Error())
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]any, len(resp.Header))
	for k, vs := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	res.WriteHead(resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)), headers)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := res.Write(buf[:n]); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Close()
			return
		}
	}
	res.End()
}

// Pipe copies the response of src into dst once it resolves, passing the
// headers and each body increment through the optional transforms.
func Pipe(ctx context.Context, dst *message.Response, src *Future, headerFn func(message.Header) message.Header, bodyFn func(string) string) {
	up := src.Response()
	if _, err := src.Wait(ctx); err != nil {
		var re *ResponseError
		if !errors.As(err, &re) && !errors.Is(err, message.ErrClosed) {
			dst.Fail(0, err.Error())
			return
		}
	}

	h := up.Header().Clone()
	if headerFn != nil {
		h = headerFn(h)
	}
	dst.WriteHead(up.Status(), up.Reason(), h)

	up.OnData(func(chunk []byte) {
		s := string(chunk)
		if bodyFn != nil {
			s = bodyFn(s)
		}
		_ = dst.Write(s)
	})
	up.OnEnd(func() { _ = dst.End() })
	up.OnClose(func() { dst.Close() })
}
