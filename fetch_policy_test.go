package urlfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchPolicyClassifiesJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	policy := &FetchPolicy{Transport: NewTransport(defaultTransportOptions()), GuessExtension: true}
	result := policy.Execute(context.Background(), Item{URL: server.URL})

	require.Nil(t, result.Error)
	require.NotNil(t, result.Response)
	require.Equal(t, http.StatusOK, result.Response.StatusCode)
	require.Equal(t, "application/json", result.Meta.MIME)
	require.Equal(t, "utf-8", result.Meta.Encoding)
	require.Equal(t, []byte(`{"ok":true}`), result.Response.Body)
}

func TestFetchPolicySniffsEncodingWhenUndeclared(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer server.Close()

	policy := &FetchPolicy{Transport: NewTransport(defaultTransportOptions()), GuessEncoding: true}
	result := policy.Execute(context.Background(), Item{URL: server.URL})

	require.Nil(t, result.Error)
	require.NotEmpty(t, result.Meta.Encoding)
}

func TestFetchPolicyMissingURLShortCircuits(t *testing.T) {
	policy := &FetchPolicy{Transport: NewTransport(defaultTransportOptions())}
	result := policy.Execute(context.Background(), Item{})

	require.NotNil(t, result.Error)
	require.Equal(t, ErrMissingURL, result.Error.Kind)
}

func TestFetchPolicyAppliesRequestArgsOverride(t *testing.T) {
	var gotMethod, gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
	}))
	defer server.Close()

	policy := &FetchPolicy{
		Transport: NewTransport(defaultTransportOptions()),
		RequestArgs: func(item Item) (RequestOverride, error) {
			return RequestOverride{Method: http.MethodPost, Headers: map[string]string{"X-Test": "yes"}}, nil
		},
	}
	result := policy.Execute(context.Background(), Item{URL: server.URL})

	require.Nil(t, result.Error)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "yes", gotHeader)
}

func TestFetchPolicyConnectErrorIsTagged(t *testing.T) {
	policy := &FetchPolicy{Transport: NewTransport(TransportOptions{MaxRetries: 1})}
	result := policy.Execute(context.Background(), Item{URL: "http://127.0.0.1:1"})

	require.NotNil(t, result.Error)
	require.NotEmpty(t, result.Error.Kind)
}
