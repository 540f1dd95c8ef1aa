package extract

import (
	"context"
	"strings"

	"shopnerd/internal/logging"
	"shopnerd/internal/perception"

	"golang.org/x/net/html"
)

// specKeyAliases folds retailer-specific spec labels onto canonical
// keys. Matching is case-insensitive on the trimmed label.
var specKeyAliases = map[string]string{
	"gpu": "gpu", "graphics": "gpu", "graphics card": "gpu",
	"video card": "gpu", "graphics processor": "gpu", "graphics coprocessor": "gpu",
	"cpu": "cpu", "processor": "cpu", "processor type": "cpu",
	"processor brand": "cpu", "chipset": "cpu", "cpu model": "cpu",
	"ram": "ram", "memory": "ram", "system memory": "ram",
	"ram size": "ram", "installed ram": "ram", "memory size": "ram",
	"storage": "storage", "hard drive": "storage", "hard disk size": "storage",
	"ssd": "storage", "ssd capacity": "storage", "storage capacity": "storage",
	"display": "display", "screen": "display", "screen size": "display",
	"display size": "display", "resolution": "display", "screen resolution": "display",
	"battery": "battery", "battery life": "battery", "battery capacity": "battery",
	"os": "os", "operating system": "os", "platform": "os",
	"weight": "weight", "item weight": "weight", "product weight": "weight",
	"brand": "brand", "brand name": "brand", "manufacturer": "brand",
	"model": "model", "model name": "model", "model number": "model", "series": "model",
	"sku": "sku", "item number": "sku", "part number": "sku", "mpn": "sku",
}

// NormalizeSpecKey maps a raw spec label to its canonical key.
func NormalizeSpecKey(label string) (string, bool) {
	k, ok := specKeyAliases[strings.ToLower(strings.TrimSpace(label))]
	return k, ok
}

// mergeSpecs copies src into dst without overwriting. First writer
// wins, matching the source priority of the caller.
func mergeSpecs(dst, src map[string]string) {
	for k, v := range src {
		if _, exists := dst[k]; !exists && v != "" {
			dst[k] = v
		}
	}
}

// electronicsGoalTerms trigger the LLM spec fallback for goals where
// gpu/cpu matter.
var electronicsGoalTerms = []string{
	"laptop", "notebook", "gpu", "nvidia", "rtx", "gtx", "radeon",
	"gaming", "pc", "desktop", "workstation", "graphics",
}

func isElectronicsGoal(goal string) bool {
	lg := strings.ToLower(goal)
	for _, t := range electronicsGoalTerms {
		if strings.Contains(lg, t) {
			return true
		}
	}
	return false
}

// specsFromJSONLD normalizes a product's additionalProperty entries
// plus its brand/model/sku fields.
func specsFromJSONLD(p ldProduct) map[string]string {
	out := map[string]string{}
	for name, value := range p.Properties {
		if k, ok := NormalizeSpecKey(name); ok {
			if _, exists := out[k]; !exists {
				out[k] = value
			}
		}
	}
	if p.Brand != "" {
		out["brand"] = p.Brand
	}
	if p.Model != "" {
		out["model"] = p.Model
	}
	if p.SKU != "" {
		out["sku"] = p.SKU
	}
	return out
}

// maxSpecTableRows keeps the table scraper on spec tables and away
// from comparison grids and data dumps.
const maxSpecTableRows = 40

// specsFromDOM mines label/value pairs from spec tables, definition
// lists, and spec-class divs.
func specsFromDOM(doc *html.Node) map[string]string {
	out := map[string]string{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "table":
				harvestTable(n, out)
			case "dl":
				harvestDefinitionList(n, out)
			case "div":
				if cls := nodeAttr(n, "class"); strings.Contains(strings.ToLower(cls), "spec") {
					harvestLabelValueDiv(n, out)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func harvestTable(table *html.Node, out map[string]string) {
	rows := collectElements(table, "tr")
	if len(rows) == 0 || len(rows) > maxSpecTableRows {
		return
	}
	for _, row := range rows {
		cells := collectElements(row, "th")
		cells = append(cells, collectElements(row, "td")...)
		if len(cells) != 2 {
			continue
		}
		putSpec(out, textContent(cells[0]), textContent(cells[1]))
	}
}

func harvestDefinitionList(dl *html.Node, out map[string]string) {
	var label string
	for c := dl.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "dt":
			label = textContent(c)
		case "dd":
			if label != "" {
				putSpec(out, label, textContent(c))
				label = ""
			}
		}
	}
}

// harvestLabelValueDiv handles the spec-class div pattern where each
// row holds exactly two children: label and value.
func harvestLabelValueDiv(div *html.Node, out map[string]string) {
	for row := div.FirstChild; row != nil; row = row.NextSibling {
		if row.Type != html.ElementNode {
			continue
		}
		var children []*html.Node
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				children = append(children, c)
			}
		}
		if len(children) == 2 {
			putSpec(out, textContent(children[0]), textContent(children[1]))
		}
	}
}

func putSpec(out map[string]string, label, value string) {
	label = strings.TrimSuffix(strings.TrimSpace(label), ":")
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if k, ok := NormalizeSpecKey(label); ok {
		if _, exists := out[k]; !exists {
			out[k] = value
		}
	}
}

func collectElements(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func nodeAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// llmSpec is the solver's answer to the spec fallback prompt.
type llmSpec struct {
	GPU     string `json:"gpu"`
	CPU     string `json:"cpu"`
	RAM     string `json:"ram"`
	Storage string `json:"storage"`
	Display string `json:"display"`
	OS      string `json:"os"`
}

// maxSpecPromptChars bounds the page text handed to the solver.
const maxSpecPromptChars = 6000

// specsFromLLM issues one completion over the main content text when
// critical specs are still missing for an electronics goal.
func specsFromLLM(ctx context.Context, llm perception.Client, mainText string) map[string]string {
	raw, err := llm.CompleteRecipe(ctx, "pdp_specs", map[string]string{
		"content": truncateText(mainText, maxSpecPromptChars),
	})
	if err != nil {
		logging.PDPWarn("llm spec extraction failed: %v", err)
		return nil
	}
	parsed, err := perception.DecodeObject[llmSpec](raw)
	if err != nil {
		logging.PDPWarn("llm spec parse failed: %v", err)
		return nil
	}
	out := map[string]string{}
	for k, v := range map[string]string{
		"gpu": parsed.GPU, "cpu": parsed.CPU, "ram": parsed.RAM,
		"storage": parsed.Storage, "display": parsed.Display, "os": parsed.OS,
	} {
		if strings.TrimSpace(v) != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
