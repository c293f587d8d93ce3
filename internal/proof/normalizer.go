// Package proof turns stored evidence images into payloads the verification
// oracle will accept: bounded size, reasonable dimensions, a known media type.
package proof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"habitquest/api/internal/evidence"
)

// Evidence failure taxonomy. All three are recoverable: the attempt can fall
// back to note-only evidence instead of aborting.
var (
	ErrNotFound      = errors.New("evidence image not found")
	ErrTooLarge      = errors.New("evidence image too large")
	ErrUnprocessable = errors.New("evidence image could not be processed")
)

const (
	// MaxPayloadBytes is the hard ceiling the oracle provider accepts.
	MaxPayloadBytes = 4 << 20
	// maxDimension bounds both width and height; images are never upscaled.
	maxDimension = 1600

	startQuality     = 85
	qualityDecrement = 10
	qualityFloor     = 30
)

// Result is a normalized evidence payload ready for the oracle.
type Result struct {
	Data      []byte
	MediaType string
}

// Normalizer reads evidence by reference and produces oracle-ready payloads.
type Normalizer struct {
	evidence evidence.Store
}

func NewNormalizer(store evidence.Store) *Normalizer {
	return &Normalizer{evidence: store}
}

// Normalize guarantees the returned payload is at or under MaxPayloadBytes.
// GIFs are passed through untouched because re-encoding would destroy
// animation; an oversize GIF fails with ErrTooLarge so the caller can ask for
// a static format. Other raster formats are fitted into
// maxDimension x maxDimension and re-encoded as JPEG, stepping the quality
// down until the payload fits or the quality floor is hit. The stored
// evidence is never modified.
func (n *Normalizer) Normalize(ctx context.Context, ref string) (Result, error) {
	raw, err := n.evidence.Read(ctx, ref)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode config: %v", ErrUnprocessable, err)
	}

	if format == "gif" {
		if len(raw) > MaxPayloadBytes {
			return Result{}, fmt.Errorf("%w: animated gif is %d bytes; resubmit as a static image", ErrTooLarge, len(raw))
		}
		return Result{Data: raw, MediaType: "image/gif"}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrUnprocessable, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	for quality := startQuality; quality >= qualityFloor; quality -= qualityDecrement {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return Result{}, fmt.Errorf("%w: encode at quality %d: %v", ErrUnprocessable, quality, err)
		}
		if buf.Len() <= MaxPayloadBytes {
			return Result{Data: buf.Bytes(), MediaType: "image/jpeg"}, nil
		}
	}

	return Result{}, fmt.Errorf("%w: image does not fit under %d bytes at minimum quality", ErrTooLarge, MaxPayloadBytes)
}
