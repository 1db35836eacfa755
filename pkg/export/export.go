package export

import (
	"bytes"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"
)

// Save writes img to path, choosing the format from the extension: ".png" and ".pdf" are handled here and anything
// else is handed to imaging, which picks the encoder itself.
func Save(img image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return PNG(img, path)
	case ".pdf":
		return PDF(img, path)
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// PNG writes img as a png regardless of the extension of path.
func PNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := imaging.Encode(f, img, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return f.Close()
}

// PDF writes img as a one page pdf, one point per canvas pixel.
func PDF(img image.Image, path string) error {
	var buff bytes.Buffer
	if err := imaging.Encode(&buff, img, imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("canvas", opts, &buff)
	pdf.ImageOptions("canvas", 0, 0, w, h, false, opts, 0, "")
	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("failed to write pdf: %w", err)
	}
	return nil
}

// ToTemp saves img to a fresh file in the temp directory and returns its path. ext selects the format, for
// example ".png" or ".pdf".
func ToTemp(img image.Image, ext string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d%s", time.Now().UnixNano(), rand.Int(), ext))
	if err := Save(img, tf); err != nil {
		return "", err
	}
	return tf, nil
}
