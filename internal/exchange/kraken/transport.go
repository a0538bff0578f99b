package kraken

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
)

// Request is one HTTP exchange with the REST API. OnWritten fires once the request
// has been fully written to the connection.
type Request struct {
	Method    string
	Path      string
	Query     string
	Header    http.Header
	Body      string
	OnWritten func()
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends one request without retrying.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type RestyTransport struct {
	client *resty.Client
}

func NewRestyTransport(baseURL string, timeout time.Duration) *RestyTransport {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "kraken-mcp-trader/1.0")
	return &RestyTransport{client: client}
}

func (t *RestyTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.OnWritten != nil {
		onWritten := req.OnWritten
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(info httptrace.WroteRequestInfo) {
				if info.Err == nil {
					onWritten()
				}
			},
		})
	}
	r := t.client.R().SetContext(ctx)
	for name, values := range req.Header {
		r.SetHeaderMultiValues(map[string][]string{name: values})
	}
	if req.Body != "" {
		r.SetBody(req.Body)
	}
	url := req.Path
	if req.Query != "" {
		url += "?" + req.Query
	}
	resp, err := r.Execute(req.Method, url)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "%s %s", req.Method, req.Path)
	}
	return &Response{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}
