package interfaces

import "context"

// Recognizer turns a page image into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// RecognitionEngine is one stateful recognizer instance. It is not safe
// for concurrent use.
type RecognitionEngine interface {
	Recognizer
	Close() error
}

// PageRenderer opens document sources for rasterization.
type PageRenderer interface {
	Open(ctx context.Context, source string) (DocumentHandle, error)
}

// DocumentHandle is an opened source. Pages are numbered from 1.
type DocumentHandle interface {
	PageCount() int
	RenderPage(ctx context.Context, page int, scale float64) ([]byte, error)
	Close() error
}
