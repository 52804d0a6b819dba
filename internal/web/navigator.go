package web

import (
	"net/url"
	"strings"
)

// pageNavigator records where the manager wants the browser to go. The
// handler turns that into an HTTP redirect once the session cookies are saved.
type pageNavigator struct {
	current  string
	location string
	replaced string
}

func (n *pageNavigator) CurrentURL() string {
	return n.current
}

func (n *pageNavigator) Navigate(target string) error {
	n.location = target
	return nil
}

func (n *pageNavigator) Replace(target string) error {
	n.replaced = target
	return nil
}

// next is the redirect target after a callback, preferring an explicit navigation.
func (n *pageNavigator) next() string {
	if n.location != "" {
		return n.location
	}
	return n.replaced
}

// localPath accepts only same-origin absolute paths.
func localPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
