package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const bistroPage = `<!DOCTYPE html>
<html>
<head>
<title> Le Petit Bistro </title>
<meta name="description" content="Cuisine de saison">
<meta property="og:description" content="Bistro of chef Jean Dupont">
<meta property="og:image" content="/img/jean.jpg">
<script>var tracking = 1;</script>
</head>
<body>
<nav>Accueil | Menu</nav>
<main>
<h1>Jean Dupont</h1>
<p>Former <strong>Top Chef</strong> candidate.</p>
<address>1 Rue de la Paix, Paris</address>
</main>
<footer>Mentions légales</footer>
</body>
</html>`

func TestExtract(t *testing.T) {
	doc := extract(bistroPage)

	if doc.title != "Le Petit Bistro" {
		t.Errorf("title = %q", doc.title)
	}
	if doc.description != "Bistro of chef Jean Dupont" {
		t.Errorf("description = %q", doc.description)
	}
	if doc.image != "/img/jean.jpg" {
		t.Errorf("image = %q", doc.image)
	}
	for _, want := range []string{"Jean Dupont", "Top Chef candidate", "1 Rue de la Paix, Paris"} {
		if !strings.Contains(doc.text, want) {
			t.Errorf("text missing %q:\n%s", want, doc.text)
		}
	}
	for _, unwanted := range []string{"tracking", "Accueil", "Mentions"} {
		if strings.Contains(doc.text, unwanted) {
			t.Errorf("text contains %q:\n%s", unwanted, doc.text)
		}
	}
}

func TestCollapse(t *testing.T) {
	got := collapse("\n\n  a   b \n\n\n\n c\t d \n")
	if got != "a b\n\nc d" {
		t.Errorf("collapse = %q", got)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "Toque/") {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(bistroPage))
	}))
	defer srv.Close()

	page, err := New(0).Fetch(context.Background(), srv.URL+"/chef", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.StatusCode != http.StatusOK || page.Title != "Le Petit Bistro" {
		t.Errorf("page = %+v", page)
	}
	if page.ImageURL != srv.URL+"/img/jean.jpg" {
		t.Errorf("ImageURL = %q, want resolved against page", page.ImageURL)
	}
}

func TestFetchPlainTextTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("éééééééééé"))
	}))
	defer srv.Close()

	page, err := New(0).Fetch(context.Background(), srv.URL, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Text != "éééé" || !page.Truncated {
		t.Errorf("page = %+v", page)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := New(0)
	if _, err := f.Fetch(context.Background(), srv.URL, 0); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("404 err = %v", err)
	}
	if _, err := f.Fetch(context.Background(), "ftp://example.com/x", 0); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("ftp err = %v", err)
	}
	if _, err := f.Fetch(context.Background(), "  ", 0); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestNormalizeURL(t *testing.T) {
	u, err := normalizeURL("lepetitbistro.fr/chef")
	if err != nil {
		t.Fatalf("normalizeURL: %v", err)
	}
	if u.String() != "https://lepetitbistro.fr/chef" {
		t.Errorf("u = %s", u)
	}
}

func TestToolHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(bistroPage))
	}))
	defer srv.Close()

	handler := ToolHandler(New(0))
	out, err := handler(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var page Page
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if page.Title != "Le Petit Bistro" {
		t.Errorf("title = %q", page.Title)
	}

	if _, err := handler(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing url")
	}
}
