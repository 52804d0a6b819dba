package loopback

import (
	"fmt"
	"io"
)

// PrintNavigator is the redirect fallback for terminals: it prints the URL and
// the user pastes the final redirect back into the CLI.
type PrintNavigator struct {
	Out io.Writer
	// Current is reported as the page URL; empty means nothing to return to.
	Current string
}

func (n *PrintNavigator) CurrentURL() string {
	return n.Current
}

func (n *PrintNavigator) Navigate(url string) error {
	_, err := fmt.Fprintf(n.Out, "Open this URL in a browser to log in:\n\n  %s\n\nThen run: spotifylogin callback '<the URL you were sent to>'\n", url)
	return err
}

func (n *PrintNavigator) Replace(url string) error {
	n.Current = url
	return nil
}
