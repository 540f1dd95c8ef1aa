package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"shopnerd/internal/config"
	"shopnerd/internal/logging"
)

// OCREngine recognizes text in a screenshot. Implementations must be
// safe for concurrent use.
type OCREngine interface {
	Recognize(ctx context.Context, imagePath string) ([]OCRItem, error)
}

// ocrLine is the wire format emitted by the OCR subprocess: one
// polygon, its text, and a confidence.
type ocrLine struct {
	Polygon    [][2]float64 `json:"polygon"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
}

// SubprocessOCR shells out to an external OCR command that takes an
// image path as its last argument and prints a JSON array of
// {polygon, text, confidence} objects on stdout.
type SubprocessOCR struct {
	command []string
	timeout time.Duration
}

// NewSubprocessOCR builds the adapter from perception config. Returns
// an error when no OCR command is configured so callers can disable
// the vision pipeline instead of failing at first use.
func NewSubprocessOCR(cfg config.PerceptionConfig) (*SubprocessOCR, error) {
	if len(cfg.OCRCommand) == 0 {
		return nil, fmt.Errorf("no OCR command configured (set PERCEPTION_OCR_COMMAND)")
	}
	timeout := time.Duration(cfg.OCRTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SubprocessOCR{command: cfg.OCRCommand, timeout: timeout}, nil
}

// Recognize runs the OCR subprocess and converts polygons to bounding
// boxes via their min/max extents.
func (o *SubprocessOCR) Recognize(ctx context.Context, imagePath string) ([]OCRItem, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	args := append(o.command[1:len(o.command):len(o.command)], imagePath)
	cmd := exec.CommandContext(ctx, o.command[0], args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ocr subprocess: %w", err)
	}

	var lines []ocrLine
	if err := json.Unmarshal(out, &lines); err != nil {
		return nil, fmt.Errorf("ocr output parse: %w", err)
	}

	items := make([]OCRItem, 0, len(lines))
	for _, l := range lines {
		if l.Text == "" || len(l.Polygon) == 0 {
			continue
		}
		items = append(items, OCRItem{
			Text:       l.Text,
			Box:        polygonBBox(l.Polygon),
			Confidence: l.Confidence,
		})
	}
	logging.Vision("ocr recognized %d items in %s", len(items), imagePath)
	return items, nil
}

func polygonBBox(poly [][2]float64) BBox {
	minX, minY := poly[0][0], poly[0][1]
	maxX, maxY := minX, minY
	for _, p := range poly[1:] {
		if p[0] < minX {
			minX = p[0]
		}
		if p[0] > maxX {
			maxX = p[0]
		}
		if p[1] < minY {
			minY = p[1]
		}
		if p[1] > maxY {
			maxY = p[1]
		}
	}
	return BBox{
		X:      int(minX),
		Y:      int(minY),
		Width:  int(maxX - minX),
		Height: int(maxY - minY),
	}
}
