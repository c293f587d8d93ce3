package proof

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"habitquest/api/internal/evidence"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Save(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[name] = data
	return name, nil
}

func (m *memStore) Read(_ context.Context, ref string) ([]byte, error) {
	data, ok := m.objects[ref]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, ref string) error {
	delete(m.objects, ref)
	return nil
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func storeImage(t *testing.T, store *memStore, ref string, encode func(io.Writer) error) {
	t.Helper()
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	store.objects[ref] = buf.Bytes()
}

func TestNormalizeReencodesPNGAsJPEG(t *testing.T) {
	store := newMemStore()
	storeImage(t, store, "small.png", func(w io.Writer) error {
		return png.Encode(w, testImage(64, 48))
	})

	result, err := NewNormalizer(store).Normalize(context.Background(), "small.png")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if result.MediaType != "image/jpeg" {
		t.Errorf("media type = %q, want image/jpeg", result.MediaType)
	}
	if len(result.Data) == 0 || len(result.Data) > MaxPayloadBytes {
		t.Errorf("payload size %d out of bounds", len(result.Data))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(result.Data))
	if err != nil || format != "jpeg" {
		t.Fatalf("payload not a decodable jpeg: format=%q err=%v", format, err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("small image was resized to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestNormalizeShrinksOversizedDimensions(t *testing.T) {
	store := newMemStore()
	storeImage(t, store, "big.jpg", func(w io.Writer) error {
		return jpeg.Encode(w, testImage(3200, 2000), &jpeg.Options{Quality: 80})
	})

	result, err := NewNormalizer(store).Normalize(context.Background(), "big.jpg")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(result.Data))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if cfg.Width > 1600 || cfg.Height > 1600 {
		t.Errorf("payload is %dx%d, want both dimensions <= 1600", cfg.Width, cfg.Height)
	}
	// Fit preserves aspect ratio.
	if cfg.Width != 1600 || cfg.Height != 1000 {
		t.Errorf("payload is %dx%d, want 1600x1000", cfg.Width, cfg.Height)
	}
}

func TestNormalizePassesGIFThroughUntouched(t *testing.T) {
	store := newMemStore()
	storeImage(t, store, "anim.gif", func(w io.Writer) error {
		return gif.Encode(w, testImage(32, 32), nil)
	})
	original := append([]byte(nil), store.objects["anim.gif"]...)

	result, err := NewNormalizer(store).Normalize(context.Background(), "anim.gif")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if result.MediaType != "image/gif" {
		t.Errorf("media type = %q, want image/gif", result.MediaType)
	}
	if !bytes.Equal(result.Data, original) {
		t.Error("gif bytes were modified")
	}
}

func TestNormalizeRejectsOversizedGIF(t *testing.T) {
	// A syntactically valid GIF header followed by filler. DecodeConfig only
	// reads the screen descriptor, so the filler never gets parsed.
	header := []byte("GIF89a")
	descriptor := make([]byte, 7)
	binary.LittleEndian.PutUint16(descriptor[0:], 100)
	binary.LittleEndian.PutUint16(descriptor[2:], 100)

	store := newMemStore()
	store.objects["huge.gif"] = append(append(header, descriptor...), make([]byte, MaxPayloadBytes+1)...)

	_, err := NewNormalizer(store).Normalize(context.Background(), "huge.gif")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestNormalizeUnrecognizedBytes(t *testing.T) {
	store := newMemStore()
	store.objects["notes.txt"] = []byte("this is not an image")

	_, err := NewNormalizer(store).Normalize(context.Background(), "notes.txt")
	if !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("err = %v, want ErrUnprocessable", err)
	}
}

func TestNormalizeMissingEvidence(t *testing.T) {
	_, err := NewNormalizer(newMemStore()).Normalize(context.Background(), "gone.jpg")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
