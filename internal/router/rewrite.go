package router

import (
	"regexp"
	"strings"

	"github.com/deployctl/deployctl/internal/content"
)

// rewritableAttrs is the closed list of HTML attributes path-based
// rewriting inspects (spec §4.9 step 7/10, "closed attribute list
// rewriting").
var rewritableAttrs = "href|src|action|formaction|poster"

var attrRe = regexp.MustCompile(`(?i)\b(` + rewritableAttrs + `)(\s*=\s*)("([^"]*)"|'([^']*)')`)
var srcsetRe = regexp.MustCompile(`(?i)\bsrcset(\s*=\s*)("([^"]*)"|'([^']*)')`)
var scriptTagRe = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script>)`)
var fetchCallRe = regexp.MustCompile(`fetch\(\s*(['"])(/[^'"]*)(['"])`)

// RewriteHTML rewrites root-relative attribute references, srcset lists,
// and inline <script> bodies to carry the path-based project prefix, and
// injects a window.__BASE_PATH__ shim so client script can read the
// prefix it was served under (spec §4.9 step 7/10, path-based rewriting).
func RewriteHTML(body []byte, prefix string) []byte {
	s := string(body)

	s = attrRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := attrRe.FindStringSubmatch(m)
		attr, eq, quoted := parts[1], parts[2], parts[3]
		val := parts[4]
		if val == "" {
			val = parts[5]
		}
		quoteChar := quoted[0:1]
		if !shouldRewrite(val) {
			return m
		}
		return attr + eq + quoteChar + prefix + val + quoteChar
	})

	s = srcsetRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := srcsetRe.FindStringSubmatch(m)
		eq, quoted := parts[1], parts[2]
		val := parts[3]
		if val == "" {
			val = parts[4]
		}
		quoteChar := quoted[0:1]
		return "srcset" + eq + quoteChar + rewriteSrcset(val, prefix) + quoteChar
	})

	s = scriptTagRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := scriptTagRe.FindStringSubmatch(m)
		open, text, close := parts[1], parts[2], parts[3]
		rewritten := fetchCallRe.ReplaceAllString(text, "fetch($1"+prefix+"$2$3")
		return open + rewritten + close
	})

	shim := `<script>window.__BASE_PATH__=` + quoteJS(prefix) + `;</script>`
	if idx := strings.Index(strings.ToLower(s), "<head>"); idx >= 0 {
		insertAt := idx + len("<head>")
		s = s[:insertAt] + shim + s[insertAt:]
	} else {
		s = shim + s
	}

	return []byte(s)
}

func shouldRewrite(val string) bool {
	if !strings.HasPrefix(val, "/") || strings.HasPrefix(val, "//") {
		return false
	}
	if strings.HasPrefix(val, "#") {
		return false
	}
	return content.IsAssetExtension(val) || !strings.Contains(val, ".")
}

func rewriteSrcset(val, prefix string) string {
	parts := strings.Split(val, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "/") && !strings.HasPrefix(fields[0], "//") {
			fields[0] = prefix + fields[0]
		}
		parts[i] = strings.Join(fields, " ")
	}
	return strings.Join(parts, ", ")
}

func quoteJS(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// RewriteJS patches bare fetch("/...") calls in a standalone JS file the
// same way the inline-script branch of RewriteHTML does, for JS served as
// its own asset rather than embedded in HTML.
func RewriteJS(body []byte, prefix string) []byte {
	return []byte(fetchCallRe.ReplaceAllString(string(body), "fetch($1"+prefix+"$2$3"))
}
