package urlfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePolicyFollowsLocationRedirectsToHit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions())}
	result := policy.Execute(context.Background(), Item{URL: server.URL + "/x"})

	require.Nil(t, result.Error)
	require.Len(t, result.Stack, 3)
	require.Equal(t, "location", result.Stack[0].Kind)
	require.Equal(t, "location", result.Stack[1].Kind)
	last := result.Stack[2]
	require.Equal(t, "hit", last.Kind)
	require.Equal(t, last.From, last.To)
	require.Equal(t, server.URL+"/final", last.To)
}

func TestResolvePolicyDetectsRedirectCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions())}
	result := policy.Execute(context.Background(), Item{URL: server.URL + "/a"})

	require.NotNil(t, result.Error)
	require.Equal(t, ErrRedirectCycle, result.Error.Kind)
	require.Len(t, result.Stack, 3)
}

func TestResolvePolicyTooManyRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop/", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/loop/"))
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", n+1), http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions()), MaxRedirects: 3}
	result := policy.Execute(context.Background(), Item{URL: server.URL + "/loop/0"})

	require.NotNil(t, result.Error)
	require.Equal(t, ErrTooManyRedirects, result.Error.Kind)
	require.Len(t, result.Stack, 3)
}

func TestResolvePolicyBadRedirectTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://%zz")
		w.WriteHeader(http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions())}
	result := policy.Execute(context.Background(), Item{URL: server.URL + "/bad"})

	require.NotNil(t, result.Error)
	require.Equal(t, ErrBadRedirectTarget, result.Error.Kind)
}

func TestResolvePolicyFollowsMetaRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><meta http-equiv="refresh" content="0; url=/final"></head></html>`))
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions()), FollowMetaRefresh: true}
	result := policy.Execute(context.Background(), Item{URL: server.URL + "/start"})

	require.Nil(t, result.Error)
	require.Len(t, result.Stack, 2)
	require.Equal(t, "meta-refresh", result.Stack[0].Kind)
	require.Equal(t, "hit", result.Stack[1].Kind)
}

func TestResolvePolicyMissingURLShortCircuits(t *testing.T) {
	policy := &ResolvePolicy{Transport: NewTransport(defaultTransportOptions())}
	result := policy.Execute(context.Background(), Item{})

	require.NotNil(t, result.Error)
	require.Equal(t, ErrMissingURL, result.Error.Kind)
}
