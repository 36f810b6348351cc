package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"citymap-poster-service/internal/config"
	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/adapter"
)

var _ adapter.Renderer = (*RasterRenderer)(nil)

const (
	metersPerDegLat = 111320.0
	thumbnailWidth  = 400
)

// RasterRenderer draws a themed poster onto an RGBA canvas: water and park
// polygons first, then the street network by class, an optional edge fade,
// and the typography block at the bottom. Cancellation is observed at every
// stage boundary through the context.
type RasterRenderer struct {
	thumbDir string
	log      *zerolog.Logger
}

func NewRasterRenderer(cfg config.RenderConfig, logger *zerolog.Logger) *RasterRenderer {
	rendLog := logger.With().Str("component", "RasterRenderer").Logger()
	return &RasterRenderer{
		thumbDir: cfg.ThumbnailDir,
		log:      &rendLog,
	}
}

func (r *RasterRenderer) Render(ctx context.Context, req adapter.RenderRequest, onStage func(adapter.RenderStage)) (*adapter.RenderResult, error) {
	step := func(s adapter.RenderStage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onStage != nil {
			onStage(s)
		}
		// onStage may have cancelled the context.
		return ctx.Err()
	}

	if err := step(adapter.StageInitializing); err != nil {
		return nil, err
	}
	w, h := req.Output.PixelWidth(), req.Output.PixelHeight()
	if w <= 0 || h <= 0 {
		return nil, domain.Classify(domain.ErrKindRender, fmt.Errorf("invalid output size %dx%d", w, h))
	}
	bg := parseHex(req.Theme.Background)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	// Map occupies the canvas above the typography block.
	mapH := int(float64(h) * 0.82)
	proj := newProjection(req.Data.Center, req.Data.RadiusM, w, mapH)

	if err := step(adapter.StagePlottingFeatures); err != nil {
		return nil, err
	}
	waterCol := parseHex(req.Theme.Water)
	for _, poly := range req.Data.Water {
		fillPolygon(img, proj, poly, waterCol)
	}
	parksCol := parseHex(req.Theme.Parks)
	for _, poly := range req.Data.Parks {
		fillPolygon(img, proj, poly, parksCol)
	}

	if err := step(adapter.StagePlottingRoads); err != nil {
		return nil, err
	}
	r.plotRoads(img, proj, req)

	if err := step(adapter.StageAddingGradients); err != nil {
		return nil, err
	}
	if req.Theme.Gradient {
		fadeEdges(img, bg, mapH)
	}

	if err := step(adapter.StageAddingTypography); err != nil {
		return nil, err
	}
	r.drawTypography(img, req, mapH)

	if err := step(adapter.StageSaving); err != nil {
		return nil, err
	}
	return r.save(img, req)
}

// plotRoads strokes street segments in class order so heavier classes land
// on top. Stroke widths scale with DPI.
func (r *RasterRenderer) plotRoads(img *image.NRGBA, proj projection, req adapter.RenderRequest) {
	scale := float64(req.Output.DPI) / 150.0
	widths := map[model.RoadClass]int{
		model.RoadResidential: atLeast1(1 * scale),
		model.RoadSecondary:   atLeast1(2 * scale),
		model.RoadPrimary:     atLeast1(4 * scale),
		model.RoadMotorway:    atLeast1(5 * scale),
	}
	order := []model.RoadClass{model.RoadResidential, model.RoadSecondary, model.RoadPrimary, model.RoadMotorway}
	for _, class := range order {
		col := roadColor(req.Theme, class)
		for _, st := range req.Data.Streets {
			if st.Class != class {
				continue
			}
			strokePolyline(img, proj, st.Path, col, widths[class])
		}
	}
}

func (r *RasterRenderer) drawTypography(img *image.NRGBA, req adapter.RenderRequest, mapH int) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	textCol := parseHex(req.Theme.Text)

	titleSize := float64(w) / 12.0
	subSize := titleSize * 0.38
	coordSize := titleSize * 0.26

	title := spaceOut(strings.ToUpper(req.City))
	country := strings.ToUpper(req.Country)
	coords := formatCoords(req.Data.Center)

	baseY := mapH + (h-mapH)/3
	drawCentered(img, title, w/2, baseY, textCol, boldFace(titleSize))
	lineY := baseY + int(titleSize*0.45)
	drawRule(img, w/2, lineY, w/3, textCol)
	drawCentered(img, country, w/2, lineY+int(subSize*1.6), textCol, regularFace(subSize))
	drawCentered(img, coords, w/2, lineY+int(subSize*1.6)+int(coordSize*1.8), textCol, regularFace(coordSize))
}

func (r *RasterRenderer) save(img *image.NRGBA, req adapter.RenderRequest) (*adapter.RenderResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.OutputFile), 0o755); err != nil {
		return nil, domain.Classify(domain.ErrKindRender, err)
	}
	f, err := os.Create(req.OutputFile)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindRender, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return nil, domain.Classify(domain.ErrKindRender, err)
	}
	if err := f.Close(); err != nil {
		return nil, domain.Classify(domain.ErrKindRender, err)
	}
	info, err := os.Stat(req.OutputFile)
	if err != nil {
		return nil, domain.Classify(domain.ErrKindRender, err)
	}

	thumbPath, err := r.writeThumbnail(img, req.OutputFile)
	if err != nil {
		// A missing thumbnail never fails the poster.
		r.log.Warn().Err(err).Msg("thumbnail generation failed")
		thumbPath = ""
	}

	b := img.Bounds()
	return &adapter.RenderResult{
		FilePath:      req.OutputFile,
		FileSize:      info.Size(),
		Width:         b.Dx(),
		Height:        b.Dy(),
		ThumbnailPath: thumbPath,
	}, nil
}

func (r *RasterRenderer) writeThumbnail(img *image.NRGBA, outputFile string) (string, error) {
	b := img.Bounds()
	tw := thumbnailWidth
	th := b.Dy() * tw / b.Dx()
	thumb := image.NewNRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, b, draw.Src, nil)

	if err := os.MkdirAll(r.thumbDir, 0o755); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(outputFile), ".png") + "_thumb.png"
	path := filepath.Join(r.thumbDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := png.Encode(f, thumb); err != nil {
		return "", err
	}
	return path, nil
}

// projection maps WGS84 onto canvas pixels: equirectangular around the
// center, radius fitted to 92% of the shorter map-area axis.
type projection struct {
	center     model.Point
	cosLat     float64
	pxPerMeter float64
	cx, cy     int
}

func newProjection(center model.Point, radiusM, w, mapH int) projection {
	short := w
	if mapH < short {
		short = mapH
	}
	return projection{
		center:     center,
		cosLat:     math.Cos(center.Lat * math.Pi / 180),
		pxPerMeter: float64(short) * 0.92 / 2 / float64(radiusM),
		cx:         w / 2,
		cy:         mapH / 2,
	}
}

func (p projection) toPixel(pt model.Point) (int, int) {
	dx := (pt.Lon - p.center.Lon) * metersPerDegLat * p.cosLat
	dy := (pt.Lat - p.center.Lat) * metersPerDegLat
	return p.cx + int(dx*p.pxPerMeter), p.cy - int(dy*p.pxPerMeter)
}

func fillPolygon(img *image.NRGBA, proj projection, poly model.Polygon, col color.NRGBA) {
	n := len(poly)
	if n < 3 {
		return
	}
	xs := make([]int, n)
	ys := make([]int, n)
	minY, maxY := math.MaxInt32, math.MinInt32
	for i, pt := range poly {
		xs[i], ys[i] = proj.toPixel(pt)
		if ys[i] < minY {
			minY = ys[i]
		}
		if ys[i] > maxY {
			maxY = ys[i]
		}
	}
	b := img.Bounds()
	if minY < b.Min.Y {
		minY = b.Min.Y
	}
	if maxY >= b.Max.Y {
		maxY = b.Max.Y - 1
	}
	// Even-odd scanline fill.
	for y := minY; y <= maxY; y++ {
		var crossings []int
		j := n - 1
		for i := 0; i < n; i++ {
			if (ys[i] <= y && ys[j] > y) || (ys[j] <= y && ys[i] > y) {
				x := xs[i] + (y-ys[i])*(xs[j]-xs[i])/(ys[j]-ys[i])
				crossings = append(crossings, x)
			}
			j = i
		}
		for i := 0; i+1 < len(crossings); i += 2 {
			x1, x2 := crossings[i], crossings[i+1]
			if x1 > x2 {
				x1, x2 = x2, x1
			}
			for x := max(x1, b.Min.X); x <= min(x2, b.Max.X-1); x++ {
				img.SetNRGBA(x, y, col)
			}
		}
	}
}

func strokePolyline(img *image.NRGBA, proj projection, path model.Polyline, col color.NRGBA, width int) {
	for i := 1; i < len(path); i++ {
		x1, y1 := proj.toPixel(path[i-1])
		x2, y2 := proj.toPixel(path[i])
		strokeSegment(img, x1, y1, x2, y2, col, width)
	}
}

func strokeSegment(img *image.NRGBA, x1, y1, x2, y2 int, col color.NRGBA, width int) {
	dx, dy := float64(x2-x1), float64(y2-y1)
	length := math.Hypot(dx, dy)
	if length == 0 {
		stamp(img, x1, y1, col, width)
		return
	}
	steps := int(length) + 1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		stamp(img, x1+int(t*dx), y1+int(t*dy), col, width)
	}
}

func stamp(img *image.NRGBA, x, y int, col color.NRGBA, width int) {
	half := width / 2
	b := img.Bounds()
	for oy := -half; oy <= half; oy++ {
		for ox := -half; ox <= half; ox++ {
			px, py := x+ox, y+oy
			if px >= b.Min.X && px < b.Max.X && py >= b.Min.Y && py < b.Max.Y {
				img.SetNRGBA(px, py, col)
			}
		}
	}
}

// fadeEdges blends the background over the top and bottom of the map area
// with a linear alpha ramp.
func fadeEdges(img *image.NRGBA, bg color.NRGBA, mapH int) {
	w := img.Bounds().Dx()
	band := mapH / 8
	for i := 0; i < band; i++ {
		alpha := 1.0 - float64(i)/float64(band)
		for x := 0; x < w; x++ {
			blend(img, x, i, bg, alpha)
			blend(img, x, mapH-1-i, bg, alpha)
		}
	}
}

func blend(img *image.NRGBA, x, y int, over color.NRGBA, alpha float64) {
	under := img.NRGBAAt(x, y)
	mix := func(a, b uint8) uint8 {
		return uint8(float64(b)*alpha + float64(a)*(1-alpha))
	}
	img.SetNRGBA(x, y, color.NRGBA{
		R: mix(under.R, over.R),
		G: mix(under.G, over.G),
		B: mix(under.B, over.B),
		A: 0xff,
	})
}

func drawCentered(img *image.NRGBA, text string, cx, baseY int, col color.NRGBA, face font.Face) {
	if face == nil || text == "" {
		return
	}
	width := font.MeasureString(face, text).Ceil()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(cx-width/2, baseY),
	}
	d.DrawString(text)
}

func drawRule(img *image.NRGBA, cx, y, width int, col color.NRGBA) {
	for x := cx - width/2; x <= cx+width/2; x++ {
		img.SetNRGBA(x, y, col)
	}
}

var (
	fontOnce    sync.Once
	regularFont *opentype.Font
	boldFont    *opentype.Font
	faceMu      sync.Mutex
	faceCache   = map[string]font.Face{}
)

func loadFonts() {
	regularFont, _ = opentype.Parse(goregular.TTF)
	boldFont, _ = opentype.Parse(gobold.TTF)
}

func regularFace(size float64) font.Face { return face("r", regularFont, size) }
func boldFace(size float64) font.Face    { return face("b", boldFont, size) }

func face(kind string, _ *opentype.Font, size float64) font.Face {
	fontOnce.Do(loadFonts)
	src := regularFont
	if kind == "b" {
		src = boldFont
	}
	if src == nil {
		return nil
	}
	key := fmt.Sprintf("%s%.1f", kind, size)
	faceMu.Lock()
	defer faceMu.Unlock()
	if f, ok := faceCache[key]; ok {
		return f
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil
	}
	faceCache[key] = f
	return f
}

func roadColor(theme model.Theme, class model.RoadClass) color.NRGBA {
	if hex, ok := theme.Roads[string(class)]; ok {
		return parseHex(hex)
	}
	return parseHex(theme.Text)
}

func parseHex(s string) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.NRGBA{A: 0xff}
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{A: 0xff}
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}
}

func spaceOut(s string) string {
	runes := []rune(s)
	out := make([]rune, 0, len(runes)*2)
	for i, r := range runes {
		out = append(out, r)
		if i < len(runes)-1 {
			out = append(out, ' ')
		}
	}
	return string(out)
}

func formatCoords(p model.Point) string {
	ns, ew := "N", "E"
	lat, lon := p.Lat, p.Lon
	if lat < 0 {
		ns, lat = "S", -lat
	}
	if lon < 0 {
		ew, lon = "W", -lon
	}
	return fmt.Sprintf("%.4f° %s / %.4f° %s", lat, ns, lon, ew)
}

func atLeast1(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}
