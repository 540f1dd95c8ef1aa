package pageintel

import (
	"strings"

	"golang.org/x/net/html"
)

// A deliberately small CSS selector engine. Calibration only ever emits
// tag, #id, .class, and [attr] forms joined by descendant combinators,
// so that is all this supports. Anything fancier fails closed (matches
// nothing) rather than guessing.

type attrMatch struct {
	name string
	op   byte // 0 presence, '=' exact, '*' contains, '^' prefix, '$' suffix
	val  string
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type compoundSelector struct {
	parts []simpleSelector // matched root-to-leaf as descendants
}

func parseSelector(sel string) []compoundSelector {
	var out []compoundSelector
	for _, alt := range strings.Split(sel, ",") {
		fields := strings.Fields(strings.TrimSpace(alt))
		if len(fields) == 0 {
			continue
		}
		var cs compoundSelector
		valid := true
		for _, f := range fields {
			if f == ">" || f == "+" || f == "~" {
				valid = false
				break
			}
			ss, ok := parseSimple(f)
			if !ok {
				valid = false
				break
			}
			cs.parts = append(cs.parts, ss)
		}
		if valid && len(cs.parts) > 0 {
			out = append(out, cs)
		}
	}
	return out
}

func parseSimple(s string) (simpleSelector, bool) {
	var ss simpleSelector
	i := 0
	for i < len(s) {
		switch s[i] {
		case '#':
			j := tokenEnd(s, i+1)
			ss.id = s[i+1 : j]
			i = j
		case '.':
			j := tokenEnd(s, i+1)
			ss.classes = append(ss.classes, s[i+1:j])
			i = j
		case '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return ss, false
			}
			am, ok := parseAttr(s[i+1 : i+j])
			if !ok {
				return ss, false
			}
			ss.attrs = append(ss.attrs, am)
			i += j + 1
		default:
			j := tokenEnd(s, i)
			if j == i {
				return ss, false
			}
			ss.tag = strings.ToLower(s[i:j])
			i = j
		}
	}
	return ss, true
}

func tokenEnd(s string, start int) int {
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '#', '.', '[', ':':
			return i
		}
	}
	return len(s)
}

func parseAttr(body string) (attrMatch, bool) {
	var am attrMatch
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		am.name = strings.TrimSpace(body)
		return am, am.name != ""
	}
	name := body[:eq]
	am.op = '='
	if len(name) > 0 {
		switch name[len(name)-1] {
		case '*', '^', '$':
			am.op = name[len(name)-1]
			name = name[:len(name)-1]
		}
	}
	am.name = strings.TrimSpace(name)
	am.val = strings.Trim(strings.TrimSpace(body[eq+1:]), `"'`)
	return am, am.name != ""
}

func (ss simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if ss.tag != "" && ss.tag != n.Data {
		return false
	}
	if ss.id != "" && attrVal(n, "id") != ss.id {
		return false
	}
	for _, c := range ss.classes {
		if !hasClass(n, c) {
			return false
		}
	}
	for _, am := range ss.attrs {
		v, present := lookupAttr(n, am.name)
		if !present {
			return false
		}
		switch am.op {
		case 0:
		case '=':
			if v != am.val {
				return false
			}
		case '*':
			if !strings.Contains(v, am.val) {
				return false
			}
		case '^':
			if !strings.HasPrefix(v, am.val) {
				return false
			}
		case '$':
			if !strings.HasSuffix(v, am.val) {
				return false
			}
		}
	}
	return true
}

// QueryAll returns every node under root matching the selector, in
// document order. Unparseable selectors match nothing.
func QueryAll(root *html.Node, sel string) []*html.Node {
	compounds := parseSelector(sel)
	if len(compounds) == 0 {
		return nil
	}
	var out []*html.Node
	seen := map[*html.Node]bool{}
	var walk func(n *html.Node, pending []simpleSelector)
	walk = func(n *html.Node, pending []simpleSelector) {
		if n.Type == html.ElementNode && pending[0].matches(n) {
			if len(pending) == 1 {
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			} else {
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c, pending[1:])
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, pending)
		}
	}
	for _, cs := range compounds {
		walk(root, cs.parts)
	}
	return out
}

// QueryFirst returns the first match in document order, or nil.
func QueryFirst(root *html.Node, sel string) *html.Node {
	all := QueryAll(root, sel)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func lookupAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func attrVal(n *html.Node, name string) string {
	v, _ := lookupAttr(n, name)
	return v
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textOf collects the visible text under a node, whitespace-collapsed.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
