package urlfetch

import (
	"context"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aybabtme/iocontrol"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/html/charset"
)

// bodySniffLimit bounds how much of a response body the fetch policy reads
// when guessing an undeclared encoding (spec §4.6's "short prefix of the
// body").
const bodySniffLimit = 4096

// FetchResponse is the raw outcome of a successful fetch, kept alongside
// the derived Meta so a caller can still inspect status/headers.
type FetchResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FetchPolicy implements spec §4.6: perform one HTTP request per Item,
// classify the response's mime/ext/encoding, and surface transport
// failures as tagged ItemErrors. Items with an empty URL short-circuit to
// missing_url without any network attempt.
type FetchPolicy struct {
	Transport      Transport
	RequestArgs    RequestArgsFunc
	GuessExtension bool
	GuessEncoding  bool
	Logger         *log.Logger
}

// Execute implements Policy.
func (p *FetchPolicy) Execute(ctx context.Context, item Item) Result {
	if item.URL == "" {
		return Result{Item: item, Error: newItemError(ErrMissingURL, nil)}
	}

	req := Request{Method: http.MethodGet, URL: item.URL}
	if p.RequestArgs != nil {
		override, err := p.RequestArgs(item)
		if err != nil {
			return Result{URL: item.URL, Item: item, Error: newItemError(ErrPolicyPanic, err)}
		}
		applyOverride(&req, override)
	}

	resp, err := p.Transport.Perform(ctx, req)
	if err != nil {
		var itemErr *ItemError
		if !asItemError(err, &itemErr) {
			itemErr = newItemError(ErrConnect, err)
		}
		return Result{URL: item.URL, Item: item, Error: itemErr}
	}
	defer resp.Body.Close()

	body, meta, err := p.classify(item.URL, resp)
	if err != nil {
		return Result{URL: item.URL, Item: item, Error: newItemError(ErrRead, err)}
	}

	return Result{
		URL:  item.URL,
		Item: item,
		Response: &FetchResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		},
		Meta: meta,
	}
}

func applyOverride(req *Request, o RequestOverride) {
	if o.Method != "" {
		req.Method = o.Method
	}
	if len(o.Headers) > 0 {
		if req.Headers == nil {
			req.Headers = make(map[string]string, len(o.Headers))
		}
		for k, v := range o.Headers {
			req.Headers[k] = v
		}
	}
	if o.Body != nil {
		req.Body = o.Body
	}
}

// classify derives mime/ext/encoding per spec §4.6 and returns the fully
// read body (the engine does not stream results back to callers).
func (p *FetchPolicy) classify(rawURL string, resp Response) ([]byte, *Meta, error) {
	var reader io.Reader = resp.Body
	var measured *iocontrol.MeasuredReader
	if p.GuessEncoding {
		measured = iocontrol.NewMeasuredReader(resp.Body)
		reader = measured
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, err
	}
	if measured != nil && p.Logger != nil {
		p.Logger.Printf("fetch: read %s from %s at %s/s",
			humanize.Bytes(uint64(len(body))), rawURL, humanize.Bytes(uint64(measured.BytesPerSec())))
	}

	contentType := resp.Header.Get("Content-Type")
	meta := &Meta{}

	mimeType, params, _ := mime.ParseMediaType(contentType)
	if mimeType == "" && p.GuessExtension {
		mimeType = mime.TypeByExtension(path.Ext(rawURL))
	}
	meta.MIME = mimeType

	if p.GuessExtension {
		meta.Ext = extensionFor(mimeType, rawURL)
	}

	if cs, ok := params["charset"]; ok {
		meta.Encoding = strings.ToLower(cs)
	} else if p.GuessEncoding && isTextual(mimeType) {
		meta.Encoding = sniffEncoding(body, contentType)
	}

	return body, meta, nil
}

func extensionFor(mimeType, rawURL string) string {
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return path.Ext(rawURL)
}

func isTextual(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/xml" ||
		mimeType == "application/xhtml+xml"
}

// sniffEncoding guesses the charset of a decoded text response from a short
// prefix of its body (spec §4.6), using the same x/net/html/charset
// detector Go's own ecosystem reaches for wherever HTML encoding must be
// guessed from content rather than a declared header.
func sniffEncoding(body []byte, contentType string) string {
	prefix := body
	if len(prefix) > bodySniffLimit {
		prefix = prefix[:bodySniffLimit]
	}
	_, name, certain := charset.DetermineEncoding(prefix, contentType)
	if !certain && name == "" {
		return ""
	}
	return name
}

func asItemError(err error, target **ItemError) bool {
	ie, ok := err.(*ItemError)
	if ok {
		*target = ie
	}
	return ok
}
