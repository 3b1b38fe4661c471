package core

// Intent tags traffic with a purpose so routing can prefer upstreams that
// declare the same purpose. Equality is exact (case-sensitive) string
// equality; intents carry no structure beyond the tag itself.
type Intent string

// Matches reports whether two intents are the same tag.
func (i Intent) Matches(other Intent) bool { return i == other }

func (i Intent) String() string { return string(i) }
