package certrender

import (
	"bytes"
	"fmt"
	"image/color"
	"sync"

	"course-service/internal/models"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

const (
	width  = 1600
	height = 1131
)

// Renderer draws certificates as PNG images.
type Renderer struct {
	mu        sync.Mutex
	titleFace font.Face
	bodyFace  font.Face
	smallFace font.Face
}

// NewRenderer loads the TrueType font at fontPath. An empty path falls back
// to the built-in bitmap face.
func NewRenderer(fontPath string) (*Renderer, error) {
	if fontPath == "" {
		return &Renderer{titleFace: basicfont.Face7x13, bodyFace: basicfont.Face7x13, smallFace: basicfont.Face7x13}, nil
	}

	r := &Renderer{}
	for _, f := range []struct {
		face   *font.Face
		points float64
	}{
		{&r.titleFace, 72},
		{&r.bodyFace, 40},
		{&r.smallFace, 22},
	} {
		face, err := gg.LoadFontFace(fontPath, f.points)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate font: %w", err)
		}
		*f.face = face
	}
	return r, nil
}

// Render returns the certificate as a PNG.
func (r *Renderer) Render(cert *models.Certificate) ([]byte, error) {
	// font faces keep glyph caches and are not safe for concurrent use
	r.mu.Lock()
	defer r.mu.Unlock()

	dc := gg.NewContext(width, height)
	dc.SetColor(color.NRGBA{R: 250, G: 247, B: 240, A: 255})
	dc.Clear()

	dc.SetColor(color.NRGBA{R: 38, G: 70, B: 83, A: 255})
	dc.SetLineWidth(12)
	dc.DrawRectangle(40, 40, width-80, height-80)
	dc.Stroke()
	dc.SetLineWidth(3)
	dc.DrawRectangle(70, 70, width-140, height-140)
	dc.Stroke()

	cx := float64(width) / 2

	dc.SetFontFace(r.titleFace)
	dc.DrawStringAnchored("Certificate of Completion", cx, 260, 0.5, 0.5)

	dc.SetFontFace(r.bodyFace)
	dc.SetColor(color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	dc.DrawStringAnchored("This certifies that", cx, 400, 0.5, 0.5)

	dc.SetFontFace(r.titleFace)
	dc.SetColor(color.NRGBA{R: 20, G: 20, B: 20, A: 255})
	dc.DrawStringAnchored(cert.StudentName, cx, 510, 0.5, 0.5)

	dc.SetFontFace(r.bodyFace)
	dc.SetColor(color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	dc.DrawStringAnchored("has successfully completed", cx, 620, 0.5, 0.5)
	dc.SetColor(color.NRGBA{R: 38, G: 70, B: 83, A: 255})
	dc.DrawStringWrapped(cert.CourseTitle, cx, 720, 0.5, 0.5, width-400, 1.4, gg.AlignCenter)

	dc.SetFontFace(r.smallFace)
	dc.SetColor(color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	dc.DrawStringAnchored("Issued "+cert.IssuedAt.Format("January 2, 2006"), cx, 900, 0.5, 0.5)
	dc.DrawStringAnchored("Verification code: "+cert.VerificationCode, cx, 950, 0.5, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
