package danmaku

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind is the driver family a source URL selects.
type Kind string

const (
	KindRelay  Kind = "relay"
	KindTwitch Kind = "twitch"
)

// Source is a configured feed: an id chats refer to, the feed URL, and a description.
type Source struct {
	ID          string
	URL         string
	Description string
}

// Kind selects the driver from the URL scheme: ws/wss for a relay, twitch for Twitch chat.
func (s Source) Kind() (Kind, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("source %s: %w", s.ID, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return KindRelay, nil
	case "twitch":
		return KindTwitch, nil
	}
	return "", fmt.Errorf("source %s: unsupported scheme %q", s.ID, u.Scheme)
}

// Catalog is the ordered list of configured sources.
type Catalog []Source

// Sources returns the catalog entries.
func (c Catalog) Sources() []Source { return c }

// Lookup finds a source by id.
func (c Catalog) Lookup(id string) (Source, bool) {
	for _, s := range c {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}
