package router

import (
	"strings"
	"testing"
)

func TestRewriteHTMLRewritesRootRelativeAttrs(t *testing.T) {
	in := `<html><head></head><body><img src="/logo.png"><a href="/about">About</a></body></html>`
	out := string(RewriteHTML([]byte(in), "/__project/abc"))
	if !strings.Contains(out, `src="/__project/abc/logo.png"`) {
		t.Fatalf("expected rewritten src, got %s", out)
	}
	if !strings.Contains(out, `href="/__project/abc/about"`) {
		t.Fatalf("expected rewritten href, got %s", out)
	}
}

func TestRewriteHTMLLeavesExternalURLsAlone(t *testing.T) {
	in := `<a href="https://example.com/x">ext</a>`
	out := string(RewriteHTML([]byte(in), "/__project/abc"))
	if !strings.Contains(out, `href="https://example.com/x"`) {
		t.Fatalf("external href should be untouched, got %s", out)
	}
}

func TestRewriteHTMLInjectsBasePathShim(t *testing.T) {
	in := `<html><head></head><body></body></html>`
	out := string(RewriteHTML([]byte(in), "/__project/abc"))
	if !strings.Contains(out, `window.__BASE_PATH__="/__project/abc"`) {
		t.Fatalf("expected base path shim, got %s", out)
	}
}

func TestRewriteHTMLPatchesFetchInInlineScript(t *testing.T) {
	in := `<html><head></head><body><script>fetch("/api/data")</script></body></html>`
	out := string(RewriteHTML([]byte(in), "/__project/abc"))
	if !strings.Contains(out, `fetch("/__project/abc/api/data")`) {
		t.Fatalf("expected fetch call rewritten, got %s", out)
	}
}

func TestRewriteJSPatchesFetch(t *testing.T) {
	in := `fetch('/api/data').then(r => r.json())`
	out := string(RewriteJS([]byte(in), "/__project/abc"))
	if !strings.Contains(out, `fetch('/__project/abc/api/data')`) {
		t.Fatalf("expected rewritten fetch, got %s", out)
	}
}

func TestRewriteSrcsetRewritesEachCandidate(t *testing.T) {
	in := `<img srcset="/a.png 1x, /b.png 2x">`
	out := string(RewriteHTML([]byte(in), "/__project/abc"))
	if !strings.Contains(out, "/__project/abc/a.png 1x") || !strings.Contains(out, "/__project/abc/b.png 2x") {
		t.Fatalf("expected both srcset candidates rewritten, got %s", out)
	}
}
