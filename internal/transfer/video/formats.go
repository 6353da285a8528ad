package video

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/bmravec/gdman/internal/transfer"
)

const formatMapKey = "fmt_url_map"

// selectFormat finds the format map in a metadata response and returns the URL
// of the format with the highest numeric id. Ties keep the first pair seen.
func selectFormat(body string) (string, error) {
	var raw string
	found := false

	for _, field := range strings.Split(body, "&") {
		if value, ok := strings.CutPrefix(field, formatMapKey+"="); ok {
			raw = value
			found = true
			break
		}
	}

	if !found {
		return "", &transfer.ParseError{Stage: "stage 1", Marker: formatMapKey}
	}

	formats, err := url.QueryUnescape(raw)
	if err != nil {
		return "", &transfer.ParseError{Stage: "stage 1", Marker: formatMapKey, Err: err}
	}

	best := -1
	var selected string

	for _, pair := range strings.Split(formats, ",") {
		id, link, ok := strings.Cut(pair, "|")
		if !ok || link == "" {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil || n <= best {
			continue
		}

		if unescaped, err := url.QueryUnescape(link); err == nil {
			link = unescaped
		}

		best = n
		selected = link
	}

	if selected == "" {
		return "", &transfer.ParseError{Stage: "stage 1", Marker: "format url"}
	}

	return selected, nil
}
