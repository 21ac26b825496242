package workflow

// MainChannel is the default input/output channel name.
const MainChannel = "main"

// Item is a single opaque value tree flowing along an edge.
type Item = map[string]interface{}

// Bundle is the data exchanged on edges: a named map from channel name to a
// sequence of items. Merge points append items in deterministic edge order.
type Bundle map[string][]Item

// NewBundle returns a bundle with the given items on the main channel.
func NewBundle(items ...Item) Bundle {
	b := make(Bundle)
	if len(items) > 0 {
		b[MainChannel] = items
	}
	return b
}

// Append adds items to the named channel, creating it on first use.
func (b Bundle) Append(channel string, items ...Item) {
	if len(items) == 0 {
		return
	}
	b[channel] = append(b[channel], items...)
}

// Items returns the item sequence on the named channel, nil if absent.
func (b Bundle) Items(channel string) []Item {
	return b[channel]
}

// Channels returns the names of non-empty channels.
func (b Bundle) Channels() []string {
	var names []string
	for name, items := range b {
		if len(items) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Size returns the total item count across channels.
func (b Bundle) Size() int {
	total := 0
	for _, items := range b {
		total += len(items)
	}
	return total
}
