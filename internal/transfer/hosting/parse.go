package hosting

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/bmravec/gdman/internal/transfer"
)

// challengeForm holds the fields scraped from the hosting page's challenge form.
type challengeForm struct {
	CaptchaCode string
	MegaVar     string
	ImageURL    string
}

// parseChallengePage scans the first stage's page for the challenge form: its
// captchacode and megavar inputs and the verification image.
func parseChallengePage(r io.Reader, base *url.URL) (challengeForm, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "html document", Err: err}
	}

	form := findElement(doc, func(n *html.Node) bool {
		return n.Data == "form" && strings.EqualFold(attr(n, "id"), "captchaform")
	})
	if form == nil {
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "captchaform"}
	}

	var out challengeForm

	walk(form, func(n *html.Node) {
		switch n.Data {
		case "input":
			switch attr(n, "name") {
			case "captchacode":
				out.CaptchaCode = attr(n, "value")
			case "megavar":
				out.MegaVar = attr(n, "value")
			}
		case "img":
			if out.ImageURL == "" {
				out.ImageURL = attr(n, "src")
			}
		}
	})

	switch {
	case out.CaptchaCode == "":
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "captchacode"}
	case out.MegaVar == "":
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "megavar"}
	case out.ImageURL == "":
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "verification image"}
	}

	img, err := resolve(base, out.ImageURL)
	if err != nil {
		return challengeForm{}, &transfer.ParseError{Stage: stageName(stageFirst), Marker: "verification image", Err: err}
	}
	out.ImageURL = img

	return out, nil
}

// parseDownloadLink returns the file URL linked from the downloadlink element of
// the page returned by the form submission.
func parseDownloadLink(r io.Reader, base *url.URL) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", &transfer.ParseError{Stage: stageName(stageThird), Marker: "html document", Err: err}
	}

	holder := findElement(doc, func(n *html.Node) bool {
		return attr(n, "id") == "downloadlink"
	})
	if holder == nil {
		return "", &transfer.ParseError{Stage: stageName(stageThird), Marker: "downloadlink"}
	}

	link := findElement(holder, func(n *html.Node) bool {
		return n.Data == "a" && attr(n, "href") != ""
	})
	if link == nil {
		return "", &transfer.ParseError{Stage: stageName(stageThird), Marker: "downloadlink href"}
	}

	target, err := resolve(base, attr(link, "href"))
	if err != nil {
		return "", &transfer.ParseError{Stage: stageName(stageThird), Marker: "downloadlink href", Err: err}
	}

	return target, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}

	if base != nil {
		u = base.ResolveReference(u)
	}

	return u.String(), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}

// findElement returns the first element node under n, n included, matching pred.
func findElement(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, pred); found != nil {
			return found
		}
	}

	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
