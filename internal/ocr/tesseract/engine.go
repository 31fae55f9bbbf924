package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/ocr"
)

// Config selects the recognition languages and engine settings.
type Config struct {
	Languages      []string
	TessdataPrefix string
	PageSegMode    int
}

// Engine wraps one gosseract client. It is not safe for concurrent use; the
// engine pool hands it to one caller at a time.
type Engine struct {
	client *gosseract.Client
}

// New creates an engine with its languages loaded.
func New(config Config) (*Engine, error) {
	client := gosseract.NewClient()
	if config.TessdataPrefix != "" {
		client.TessdataPrefix = config.TessdataPrefix
	}

	if len(config.Languages) > 0 {
		if err := client.SetLanguage(config.Languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if config.PageSegMode > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(config.PageSegMode)); err != nil {
			client.Close()
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
	}

	return &Engine{client: client}, nil
}

// Factory returns an engine factory for the pool.
func Factory(config Config) ocr.EngineFactory {
	return func(ctx context.Context) (interfaces.RecognitionEngine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(config)
	}
}

// Recognize returns the text found in a PNG, JPEG or TIFF image.
func (e *Engine) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Close releases the underlying tesseract instance.
func (e *Engine) Close() error {
	return e.client.Close()
}
