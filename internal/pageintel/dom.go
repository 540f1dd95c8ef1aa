package pageintel

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

const (
	maxDOMLines     = 400
	maxTextSnippet  = 80
	maxHrefSnippet  = 100
	repeatThreshold = 4
)

// SimplifyDOM reduces page HTML to a compact structural sketch the
// solver can reason about: one line per interesting element carrying
// tag, id, non-utility classes, data-testid, a text snippet, and hrefs,
// followed by repeated-class statistics that hint at item grids.
func SimplifyDOM(pageHTML string) string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return ""
	}

	var lines []string
	classCounts := map[string]int{}
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "svg", "path", "meta", "link", "head":
				return
			}
			if line, ok := describeNode(n, depth, classCounts); ok && len(lines) < maxDOMLines {
				lines = append(lines, line)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)

	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}

	type classCount struct {
		name  string
		count int
	}
	var repeated []classCount
	for name, count := range classCounts {
		if count >= repeatThreshold {
			repeated = append(repeated, classCount{name, count})
		}
	}
	if len(repeated) > 0 {
		sort.Slice(repeated, func(i, j int) bool {
			if repeated[i].count != repeated[j].count {
				return repeated[i].count > repeated[j].count
			}
			return repeated[i].name < repeated[j].name
		})
		sb.WriteString("\nREPEATED CLASSES (likely item grids):\n")
		for i, cc := range repeated {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&sb, "  .%s x%d\n", cc.name, cc.count)
		}
	}
	return sb.String()
}

// describeNode renders one element line, or reports it uninteresting.
func describeNode(n *html.Node, depth int, classCounts map[string]int) (string, bool) {
	var parts []string
	parts = append(parts, strings.Repeat(" ", min(depth, 12))+"<"+n.Data)

	if id := attrVal(n, "id"); id != "" {
		parts = append(parts, "#"+id)
	}
	var kept []string
	for _, c := range strings.Fields(attrVal(n, "class")) {
		classCounts[c]++
		if !isUtilityClass(c) && len(kept) < 4 {
			kept = append(kept, c)
		}
	}
	if len(kept) > 0 {
		parts = append(parts, "."+strings.Join(kept, "."))
	}
	if tid := attrVal(n, "data-testid"); tid != "" {
		parts = append(parts, `testid="`+tid+`"`)
	}
	if href := attrVal(n, "href"); href != "" {
		parts = append(parts, `href="`+truncate(href, maxHrefSnippet)+`"`)
	}
	parts = append(parts, ">")

	if txt := directText(n); txt != "" {
		parts = append(parts, `"`+truncate(txt, maxTextSnippet)+`"`)
	}

	interesting := len(parts) > 2 || isStructuralTag(n.Data)
	return strings.Join(parts, " "), interesting
}

func isStructuralTag(tag string) bool {
	switch tag {
	case "main", "section", "article", "nav", "ul", "ol", "table", "form",
		"h1", "h2", "h3", "a", "img", "button":
		return true
	}
	return false
}

// directText is the text of the node's immediate text children only.
func directText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
