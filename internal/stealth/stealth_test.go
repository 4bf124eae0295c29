package stealth

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"autoposter/internal/config"
	"autoposter/internal/models"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestLocalPipelineWritesJPEGs(t *testing.T) {
	photo := testPNG(t, 200, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(photo)
	}))
	defer srv.Close()

	dir := t.TempDir()
	p, err := NewLocalPipeline(context.Background(), config.StealthLocalConfig{
		OutputDir:     dir,
		PublicBaseURL: "https://cdn.example.com/stealth",
	}, srv.Client(), nil)
	require.NoError(t, err)

	batch, err := p.PrepareBatch(context.Background(),
		[]string{srv.URL + "/a.png", srv.URL + "/missing.png"},
		models.StealthOptions{Folder: "u1/v1", Camera: "iPhone 13", GPSLocation: "Austin, TX"})
	require.NoError(t, err)
	require.Len(t, batch.Images, 1)

	out := batch.Images[0]
	assert.True(t, strings.HasPrefix(out.URL, "https://cdn.example.com/stealth/u1/v1/"))
	assert.Equal(t, "iPhone 13", out.Metadata["camera"])
	assert.Equal(t, srv.URL+"/a.png", out.Metadata["source"])

	key := strings.TrimPrefix(out.URL, "https://cdn.example.com/stealth/")
	img, err := imaging.Open(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Less(t, img.Bounds().Dx(), 200)
	assert.Greater(t, img.Bounds().Dx(), 190)

	_, err = p.PrepareBatch(context.Background(), []string{srv.URL + "/missing.png"}, models.StealthOptions{})
	assert.Error(t, err)
}

func TestPerturbKeepsMostOfTheFrame(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1000, 500))
	out := Perturb(img, 0.99)
	assert.InDelta(t, 970, out.Bounds().Dx(), 2)
	assert.InDelta(t, 485, out.Bounds().Dy(), 2)
}

func TestHTTPPipeline(t *testing.T) {
	var got batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prepare-batch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(models.StealthBatch{Images: []models.PreparedImage{{URL: "https://cdn/1.jpg"}}})
	}))
	defer srv.Close()

	p := NewHTTPPipeline(srv.URL+"/", srv.Client())
	batch, err := p.PrepareBatch(context.Background(), []string{"https://img/1.jpg"}, models.StealthOptions{Folder: "f"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://img/1.jpg"}, got.URLs)
	assert.Equal(t, "f", got.Options.Folder)
	assert.Equal(t, "https://cdn/1.jpg", batch.Images[0].URL)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	_, err = NewHTTPPipeline(failing.URL, nil).PrepareBatch(context.Background(), []string{"x"}, models.StealthOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewSelectsMode(t *testing.T) {
	p, err := New(context.Background(), config.StealthConfig{Mode: "disabled"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = New(context.Background(), config.StealthConfig{Mode: "http"}, nil)
	assert.Error(t, err)

	p, err = New(context.Background(), config.StealthConfig{Mode: "local", Local: config.StealthLocalConfig{OutputDir: t.TempDir()}}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = New(context.Background(), config.StealthConfig{Mode: "magic"}, nil)
	assert.Error(t, err)
}
