package download

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/hlsplayer/internal/config"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(config.DownloadConfig{FragmentTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_FetchBasic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fragment bytes")
	}))
	defer srv.Close()

	res, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL + "/seg.ts"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "fragment bytes" {
		t.Errorf("body = %q", res.Body)
	}
	if res.HTTPCode != http.StatusOK {
		t.Errorf("code = %d", res.HTTPCode)
	}
	if res.Elapsed <= 0 {
		t.Error("elapsed not recorded")
	}
}

func TestClient_RangeAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=100-299" {
			t.Errorf("range header = %q", got)
		}
		if got := r.Header.Get("X-Session"); got != "abc" {
			t.Errorf("custom header = %q", got)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("user agent not set")
		}
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "chunk")
	}))
	defer srv.Close()

	_, err := testClient(t).Fetch(context.Background(), Request{
		URL:     srv.URL,
		Range:   RangeHeader(100, 200),
		Headers: map[string]string{"X-Session": "abc"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestClient_GzipDecompression(t *testing.T) {
	payload := strings.Repeat("#EXTINF:6.0,\nseg.ts\n", 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Error("gzip not offered")
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, payload)
		gz.Close()
	}))
	defer srv.Close()

	res, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != payload {
		t.Errorf("body not decompressed: %d bytes", len(res.Body))
	}
}

func TestClient_BrotliDecompression(t *testing.T) {
	payload := strings.Repeat("#EXTINF:6.0,\nseg.ts\n", 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		fmt.Fprint(bw, payload)
		bw.Close()
	}))
	defer srv.Close()

	res, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != payload {
		t.Errorf("body not decompressed: %d bytes", len(res.Body))
	}
}

func TestClient_HTTPFailureCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrHTTPFailure) {
		t.Fatalf("err = %v, want ErrHTTPFailure", err)
	}
	if res.HTTPCode != http.StatusNotFound {
		t.Errorf("code = %d", res.HTTPCode)
	}
}

func TestClient_PartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("only this"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Drop the connection before the declared length arrives.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}))
	defer srv.Close()

	_, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL})
	if err == nil {
		t.Fatal("expected short-body failure")
	}
}

func TestClient_TimeoutClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := testClient(t).Fetch(context.Background(), Request{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("timeout not classified as retryable: %v", err)
	}
}

func TestClient_EffectiveURLAfterRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "moved content")
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := testClient(t).Fetch(context.Background(), Request{URL: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.EffectiveURL != srv.URL+"/final" {
		t.Errorf("effective URL = %q", res.EffectiveURL)
	}
}

func TestIsRampdownCode(t *testing.T) {
	for _, code := range []int{404, 500, 502, 503} {
		if !IsRampdownCode(code) {
			t.Errorf("code %d should ramp down", code)
		}
	}
	for _, code := range []int{200, 206, 301, 401, 403, 410, 429} {
		if IsRampdownCode(code) {
			t.Errorf("code %d should not ramp down", code)
		}
	}
}

func TestRangeHeader(t *testing.T) {
	if got := RangeHeader(0, 1000); got != "bytes=0-999" {
		t.Errorf("RangeHeader = %q", got)
	}
	if got := RangeHeader(500, 250); got != "bytes=500-749" {
		t.Errorf("RangeHeader = %q", got)
	}
}
