package streaming

// trieNode is one character of a sentinel.
type trieNode struct {
	children map[rune]*trieNode
	terminal bool
	sentinel string
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[rune]*trieNode)}
}

type walk struct {
	node  *trieNode
	depth int
}

// StopMatcher incrementally scans a character stream for the first
// occurrence of any configured sentinel. It buffers only characters that
// could still begin a match, so a sentinel split across arbitrary feed
// boundaries is still found. Matchers carry per-stream state and must not
// be shared.
type StopMatcher struct {
	root     *trieNode
	buffered []rune
	walks    []walk
}

// NewStopMatcher builds a matcher over the sentinel set. Empty sentinels
// are ignored; with no sentinels every character passes straight through.
func NewStopMatcher(sentinels []string) *StopMatcher {
	root := newTrieNode()
	for _, s := range sentinels {
		if s == "" {
			continue
		}
		node := root
		for _, r := range s {
			child, ok := node.children[r]
			if !ok {
				child = newTrieNode()
				node.children[r] = child
			}
			node = child
		}
		node.terminal = true
		node.sentinel = s
	}
	return &StopMatcher{root: root}
}

// Process feeds text through the matcher. It returns the prefix that can
// never be part of a match, plus the first sentinel that terminated, if
// any. Once a sentinel matches all internal state is cleared.
func (m *StopMatcher) Process(text string) (safe string, matched string, ok bool) {
	if len(m.root.children) == 0 {
		return text, "", false
	}

	var out []rune
	for _, r := range text {
		m.buffered = append(m.buffered, r)
		m.walks = append(m.walks, walk{node: m.root})

		alive := m.walks[:0]
		for _, w := range m.walks {
			child, found := w.node.children[r]
			if !found {
				continue
			}
			w.node = child
			w.depth++
			if child.terminal {
				// First terminal wins; everything before this walk's
				// start is safe to release.
				out = append(out, m.buffered[:len(m.buffered)-w.depth]...)
				m.buffered = nil
				m.walks = nil
				return string(out), child.sentinel, true
			}
			alive = append(alive, w)
		}
		m.walks = alive

		maxDepth := 0
		for _, w := range m.walks {
			if w.depth > maxDepth {
				maxDepth = w.depth
			}
		}
		if release := len(m.buffered) - maxDepth; release > 0 {
			out = append(out, m.buffered[:release]...)
			m.buffered = m.buffered[release:]
		}
	}
	return string(out), "", false
}

// Flush releases whatever is still buffered, for stream end without a match.
func (m *StopMatcher) Flush() string {
	out := string(m.buffered)
	m.buffered = nil
	m.walks = nil
	return out
}
