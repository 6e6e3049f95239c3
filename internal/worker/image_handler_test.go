package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storefront-sync/internal/config"
	"storefront-sync/internal/models"
)

func TestProductImageHandler_ResizesForPlatform(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4000, 2000))
	for y := 0; y < 2000; y++ {
		for x := 0; x < 4000; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 5 * time.Second,
		ImageMaxBytes:        64 * 1024 * 1024,
	}

	handler, err := NewProductImageHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"source_url":  srv.URL,
		"product_id":  "prod_1",
		"platform":    "woocommerce",
		"output_key":  "renditions/prod_1.png",
		"destination": "local",
	})
	job := models.Job{
		ID:      "job-1",
		OrgID:   "org_1",
		Type:    "prepare_product_images",
		Payload: payload,
	}

	result, err := handler.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var out struct {
		Location string `json:"location"`
		MaxSize  int    `json:"max_size"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.MaxSize != 1600 {
		t.Fatalf("expected woocommerce bound 1600, got %d", out.MaxSize)
	}

	outputPath := filepath.Join(tempDir, "renditions", "prod_1.png")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() > 1600 || outImg.Bounds().Dy() > 1600 {
		t.Fatalf("rendition exceeds platform bound: %v", outImg.Bounds())
	}
	// Fit keeps the 2:1 aspect ratio.
	if outImg.Bounds().Dx() != 1600 || outImg.Bounds().Dy() != 800 {
		t.Fatalf("unexpected rendition size: %v", outImg.Bounds())
	}
}

func TestProductImageHandler_RejectsOversizedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	cfg := config.Config{
		ImageOutputDir: t.TempDir(),
		ImageMaxBytes:  1024,
	}
	handler, err := NewProductImageHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"source_url": srv.URL,
		"product_id": "prod_1",
		"platform":   "shopify",
	})
	if _, err := handler.Handle(context.Background(), models.Job{ID: "job-2", Payload: payload}); err == nil {
		t.Fatalf("expected oversized download to fail")
	}
}
