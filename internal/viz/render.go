package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
)

// PlotPoint is one rendered point: reduced coordinates, cluster label
// and the label text shown on hover.
type PlotPoint struct {
	Coords []float32 `json:"coords"`
	Label  int       `json:"label"`
	Title  string    `json:"title"`
}

var plotTemplate = template.Must(template.New("plot").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
#meta { padding: 8px 12px; font-size: 13px; }
canvas { display: block; }
#tip { position: fixed; pointer-events: none; background: #000c; color: #fff;
       padding: 4px 8px; border-radius: 4px; font-size: 12px; display: none; }
</style>
</head>
<body>
<div id="meta">{{.Title}} &mdash; {{.PointCount}} points, {{.ClusterCount}} clusters</div>
<canvas id="plot"></canvas>
<div id="tip"></div>
<script>
const points = {{.PointsJSON}};
const palette = ["#4e79a7","#f28e2b","#e15759","#76b7b2","#59a14f",
                 "#edc948","#b07aa1","#ff9da7","#9c755f","#bab0ab"];
const canvas = document.getElementById("plot");
const ctx = canvas.getContext("2d");
const tip = document.getElementById("tip");

function color(label) {
  return label < 0 ? "#555" : palette[label % palette.length];
}

function draw() {
  canvas.width = window.innerWidth;
  canvas.height = window.innerHeight - 40;
  if (points.length === 0) return;
  let minX = Infinity, maxX = -Infinity, minY = Infinity, maxY = -Infinity;
  for (const p of points) {
    minX = Math.min(minX, p.coords[0]); maxX = Math.max(maxX, p.coords[0]);
    minY = Math.min(minY, p.coords[1]); maxY = Math.max(maxY, p.coords[1]);
  }
  const pad = 20;
  const sx = (canvas.width - 2 * pad) / (maxX - minX || 1);
  const sy = (canvas.height - 2 * pad) / (maxY - minY || 1);
  for (const p of points) {
    p.px = pad + (p.coords[0] - minX) * sx;
    p.py = pad + (p.coords[1] - minY) * sy;
    ctx.fillStyle = color(p.label);
    ctx.beginPath();
    ctx.arc(p.px, p.py, 3, 0, 2 * Math.PI);
    ctx.fill();
  }
}

canvas.addEventListener("mousemove", e => {
  const r = canvas.getBoundingClientRect();
  const x = e.clientX - r.left, y = e.clientY - r.top;
  let best = null, bestD = 64;
  for (const p of points) {
    const d = (p.px - x) ** 2 + (p.py - y) ** 2;
    if (d < bestD) { best = p; bestD = d; }
  }
  if (best) {
    tip.style.display = "block";
    tip.style.left = (e.clientX + 12) + "px";
    tip.style.top = (e.clientY + 12) + "px";
    tip.textContent = best.title + (best.label < 0 ? " (noise)" : " [cluster " + best.label + "]");
  } else {
    tip.style.display = "none";
  }
});

window.addEventListener("resize", draw);
draw();
</script>
</body>
</html>
`))

// Render produces the self-contained HTML artifact for a completed
// visualization run.
func Render(title string, points []PlotPoint) ([]byte, error) {
	data, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("encode plot points: %w", err)
	}
	var buf bytes.Buffer
	err = plotTemplate.Execute(&buf, struct {
		Title        string
		PointCount   int
		ClusterCount int
		PointsJSON   template.JS
	}{
		Title:        title,
		PointCount:   len(points),
		ClusterCount: countPlotClusters(points),
		PointsJSON:   template.JS(data),
	})
	if err != nil {
		return nil, fmt.Errorf("render plot: %w", err)
	}
	return buf.Bytes(), nil
}

func countPlotClusters(points []PlotPoint) int {
	seen := make(map[int]struct{})
	for _, p := range points {
		if p.Label >= 0 {
			seen[p.Label] = struct{}{}
		}
	}
	return len(seen)
}
