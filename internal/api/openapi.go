package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// openapiCache lazily loads the static API description once per process
// and serves it as JSON regardless of whether the file on disk is JSON
// or YAML.
type openapiCache struct {
	raw     []byte
	isJSON  bool
	rawOnce sync.Once
	rawErr  error

	json     []byte
	jsonOnce sync.Once
	jsonErr  error
}

func (c *openapiCache) ensureRaw(paths []string) error {
	c.rawOnce.Do(func() {
		for _, p := range paths {
			if p == "" {
				continue
			}
			b, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			c.raw = b
			lower := strings.ToLower(p)
			if strings.HasSuffix(lower, ".json") {
				c.isJSON = true
			} else if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
				c.isJSON = false
			} else {
				trim := strings.TrimSpace(string(b))
				c.isJSON = strings.HasPrefix(trim, "{")
			}
			return
		}
		c.rawErr = os.ErrNotExist
	})
	return c.rawErr
}

func (c *openapiCache) renderJSON(paths []string) ([]byte, error) {
	c.jsonOnce.Do(func() {
		if err := c.ensureRaw(paths); err != nil {
			c.jsonErr = err
			return
		}
		if c.isJSON {
			c.json = c.raw
			return
		}
		var v interface{}
		if err := yaml.Unmarshal(c.raw, &v); err != nil {
			c.jsonErr = err
			return
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			c.jsonErr = err
			return
		}
		c.json = b
	})
	if c.jsonErr != nil {
		return nil, c.jsonErr
	}
	return c.json, nil
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	paths := []string{
		strings.TrimSpace(os.Getenv("OPENAPI_SPEC_PATH")),
		"openapi.json",
		"docs/openapi.json",
		"openapi.yaml",
		"docs/openapi.yaml",
	}
	out, err := s.openapi.renderJSON(paths)
	if err != nil {
		writeError(w, http.StatusNotFound, "openapi spec not found")
		return
	}
	w.Write(out)
}
