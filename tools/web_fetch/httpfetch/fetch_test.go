package httpfetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const productPage = `<html><head>
<title>Acme ANC 700 | Acme Store</title>
<meta property="og:title" content="Acme ANC 700 Headphones">
<meta property="og:image" content="https://cdn.acme.example/anc700.jpg">
<meta property="og:site_name" content="Acme Store">
<meta property="product:price:amount" content="199.00">
<meta property="product:price:currency" content="USD">
</head><body><article><h1>Acme ANC 700</h1>
<p>Industry leading noise cancellation with thirty hours of battery life and a comfortable fit for long flights.</p>
<p>Includes a carrying case, a USB-C cable and an airplane adapter so you are ready for any trip you take.</p>
</article></body></html>`

func TestExecExtractsProductMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		io.WriteString(w, productPage)
	}))
	defer srv.Close()

	res, err := Fetch{MaxChars: 10000, UserAgent: "test-agent"}.Exec(context.Background(), srv.URL+"/p/anc700")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Title != "Acme ANC 700 Headphones" {
		t.Fatalf("unexpected title %q", res.Title)
	}
	if res.TopImage != "https://cdn.acme.example/anc700.jpg" {
		t.Fatalf("unexpected image %q", res.TopImage)
	}
	if res.Meta["product:price:amount"] != "199.00" || res.Meta["product:price:currency"] != "USD" {
		t.Fatalf("price meta not captured: %v", res.Meta)
	}
	if !strings.Contains(res.Text, "noise cancellation") {
		t.Fatalf("expected body text, got %q", res.Text)
	}
	if res.HTMLHash == "" {
		t.Fatalf("expected html hash")
	}
}

func TestExecReportsFailureMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	res, err := Fetch{}.Exec(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("failures must not surface as errors: %v", err)
	}
	if res.Success || res.Status != http.StatusGone || res.Error == "" {
		t.Fatalf("expected failure marker, got %+v", res)
	}
}

func TestExecTruncatesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, productPage)
	}))
	defer srv.Close()

	res, _ := Fetch{MaxChars: 20}.Exec(context.Background(), srv.URL)
	if len(res.Text) != 20 {
		t.Fatalf("expected 20 chars, got %d", len(res.Text))
	}
}
