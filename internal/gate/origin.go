package gate

import (
	"net/url"
	"strings"
)

// ресурсы браузера и расширений, которые шлюз не трогает
var internalPrefixes = []string{"chrome-extension:", "moz-extension:", "about:", "data:", "blob:"}

func isInternal(link string) bool {
	l := strings.ToLower(link)
	for _, p := range internalPrefixes {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

// originOf возвращает scheme://host[:port]. Для строк без хоста: "".
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// isSharedOrigin — грубая эвристика без PSL: одна строка origin
// содержит другую как подстроку, в любую сторону.
func isSharedOrigin(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
