package utils

import "testing"

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"https://www.Amazon.com/dp/B0":  "amazon.com",
		"http://shop.example:8080/x?y": "shop.example",
		"not a url":                    "",
		"":                             "",
	}
	for in, want := range cases {
		if got := HostOf(in); got != want {
			t.Fatalf("HostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUrlQuery(t *testing.T) {
	if got := UrlQuery("noise cancelling & more"); got != "noise+cancelling+%26+more" {
		t.Fatalf("unexpected escape %q", got)
	}
}
