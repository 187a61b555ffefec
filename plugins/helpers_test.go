package plugins

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"gotest.tools/v3/assert"

	"github.com/linht/phy-manager/radio"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call issues a request against app and decodes the API envelope
func call(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, testResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NilError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	assert.NilError(t, err)
	defer resp.Body.Close()

	var out testResponse
	raw, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		assert.NilError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

// writeProfile stores a minimal valid profile and its blob in dir
func writeProfile(t *testing.T, dir, name string) {
	t.Helper()
	blob := radio.BuildBlob([]radio.DataBlock{
		{Addr: 0x4004, Buf: []byte{0x11, 0x22, 0x33, 0x44}},
		{Addr: radio.RegCcaTime, Buf: []byte{0x20, 0x03}},
	})
	assert.NilError(t, os.WriteFile(filepath.Join(dir, name+".bin"), blob, 0644))
	yml := "name: " + name + "\nfrequency: 868950000\ncrc_length: 2\nblob: " + name + ".bin\n"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(yml), 0644))
}
