// Package imaging 将摘要文本渲染为可发布的图片。
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	_ "image/png" // 背景图可能是 PNG
)

// Config 渲染配置。
type Config struct {
	// BackgroundPath 背景图片路径；为空或加载失败时使用纯黑背景
	BackgroundPath string
	Width          int
	Height         int
	Quality        int // JPEG 质量
}

// Renderer 把文本居中绘制到背景图上并输出 JPEG 字节。
type Renderer struct {
	cfg        Config
	background image.Image
	face       font.Face
	log        *zap.Logger
}

// NewRenderer 创建渲染器
func NewRenderer(cfg Config, log *zap.Logger) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 600
	}
	if cfg.Height <= 0 {
		cfg.Height = 400
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}

	r := &Renderer{
		cfg:  cfg,
		face: basicfont.Face7x13,
		log:  log,
	}
	r.background = r.loadBackground()
	return r
}

// loadBackground 加载背景图，失败时退回纯黑背景。
func (r *Renderer) loadBackground() image.Image {
	if r.cfg.BackgroundPath != "" {
		f, err := os.Open(r.cfg.BackgroundPath)
		if err == nil {
			defer f.Close()
			img, _, decodeErr := image.Decode(f)
			if decodeErr == nil {
				return img
			}
			err = decodeErr
		}
		r.log.Warn("failed to load background image, using black background",
			zap.String("path", r.cfg.BackgroundPath),
			zap.Error(err),
		)
	}
	return image.NewRGBA(image.Rect(0, 0, r.cfg.Width, r.cfg.Height))
}

// Render 将文本绘制到背景上，返回 JPEG 字节。
func (r *Renderer) Render(text string) ([]byte, error) {
	bounds := r.background.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, r.background, bounds.Min, draw.Src)

	maxWidth := bounds.Dx() * 9 / 10
	lines := wrapText(text, r.face, maxWidth)
	if len(lines) == 0 {
		return nil, fmt.Errorf("nothing to render")
	}

	lineHeight := r.face.Metrics().Height.Ceil() + 4
	totalHeight := lineHeight * len(lines)
	y := bounds.Min.Y + (bounds.Dy()-totalHeight)/2 + r.face.Metrics().Ascent.Ceil()

	for _, line := range lines {
		lineWidth := font.MeasureString(r.face, line).Ceil()
		x := bounds.Min.X + (bounds.Dx()-lineWidth)/2
		drawer := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(color.White),
			Face: r.face,
			Dot:  fixed.P(x, y),
		}
		drawer.DrawString(line)
		y += lineHeight
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: r.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// wrapText 按像素宽度对文本换行。
func wrapText(text string, face font.Face, maxWidth int) []string {
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			continue
		}
		current := ""
		for _, word := range words {
			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if font.MeasureString(face, candidate).Ceil() <= maxWidth {
				current = candidate
				continue
			}
			if current != "" {
				lines = append(lines, current)
			}
			current = word
		}
		if current != "" {
			lines = append(lines, current)
		}
	}
	return lines
}
