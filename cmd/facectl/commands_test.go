package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), err
}

func backend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRecognizeCommandPrintsMatch(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recognize", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","recognized":true,"confidence":0.93,"user":{"id":"u1","name":"Ana"}}`))
	})
	file := writePNG(t, t.TempDir(), "face.png")

	out, err := run(t, "recognize", "--backend", srv.URL, file)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out, "Identity:   Ana (u1)")
	assert.Contains(t, out, "Confidence: 0.93")
	assert.Contains(t, out, "Category:   success")
}

func TestRecognizeCommandReportsRejection(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"image unreadable"}`))
	})
	file := writePNG(t, t.TempDir(), "face.png")

	out, err := run(t, "recognize", "--backend", srv.URL, file)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
	assert.Contains(t, out, "Result:     transport_failed")
}

func TestRecognizeCommandMissingFile(t *testing.T) {
	_, err := run(t, "recognize", filepath.Join(t.TempDir(), "absent.jpg"))
	require.Error(t, err)
}

func TestRegisterCommandRequiresName(t *testing.T) {
	srv, calls := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	file := writePNG(t, t.TempDir(), "face.png")

	_, err := run(t, "register", "--backend", srv.URL, "--name", "   ", file)
	require.Error(t, err)
	assert.Equal(t, "Name is required", err.Error())
	assert.Zero(t, calls.Load())
}

func TestRegisterCommandSendsMetadata(t *testing.T) {
	srv, _ := backend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Ana Diaz", r.FormValue("name"))
		assert.Equal(t, "X123", r.FormValue("document_number"))

		var nested map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("guardian_child")), &nested))
		assert.Equal(t, "Bo", nested["child_name"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","user":{"id":"u7","name":"Ana Diaz"}}`))
	})
	file := writePNG(t, t.TempDir(), "face.png")

	out, err := run(t, "register", "--backend", srv.URL,
		"--name", " Ana Diaz ",
		"--field", "document_number=X123",
		"--guardian-child", `{"child_name":"Bo"}`,
		file)
	require.NoError(t, err)
	assert.Contains(t, out, "Result:     registered")
	assert.Contains(t, out, "Identity:   Ana Diaz (u7)")
}

func TestRegisterCommandRejectsBadGuardianJSON(t *testing.T) {
	file := writePNG(t, t.TempDir(), "face.png")
	_, err := run(t, "register", "--name", "Ana", "--guardian-child", "{", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--guardian-child")
}

func TestBurstCommandSubmitsFramesUntilRecognized(t *testing.T) {
	var calls *atomic.Int32
	srv, c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Load() == 1 {
			_, _ = w.Write([]byte(`{"status":"success","recognized":false,"message":"No match"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","recognized":true,"confidence":0.81,"user":{"id":"u2","name":"Cy"}}`))
	})
	calls = c
	dir := t.TempDir()
	files := []string{writePNG(t, dir, "a.png"), writePNG(t, dir, "b.png"), writePNG(t, dir, "c.png")}

	args := append([]string{"burst", "--backend", srv.URL, "--interval", "1ms", "--frames", "3"}, files...)
	out, err := run(t, args...)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, out, "3 of 3 frames captured")
	assert.Contains(t, out, "Submitted:  2 frame(s)")
	assert.Contains(t, out, "Identity:   Cy (u2)")
}

func TestBurstCommandRejectsZeroFrames(t *testing.T) {
	file := writePNG(t, t.TempDir(), "a.png")
	_, err := run(t, "burst", "--frames", "0", file)
	require.Error(t, err)
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	out, err := run(t, "token", "--operator", "op-9", "--audience", "capture")
	require.NoError(t, err)

	raw := string(bytes.TrimSpace([]byte(out)))
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte("cli-secret"), nil
	}, jwt.WithAudience("capture"))
	require.NoError(t, err)
	assert.Equal(t, "op-9", claims.Subject)
}

func TestTokenCommandRequiresOperator(t *testing.T) {
	_, err := run(t, "token")
	require.Error(t, err)
}
