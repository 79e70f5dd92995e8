package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/pborman/uuid"
)

// proxy forwards /api/proxy/<path>?<query> to <UpstreamURL>/<path>?<query> with
// the API key attached, so the key never leaves the server. A non-2xx upstream
// status is passed back with a short error body. Anything else that goes wrong is
// a 500.
func (s *Server) proxy(c *gin.Context) {
	target := strings.TrimRight(s.opts.UpstreamURL, "/") + "/" + strings.TrimLeft(c.Param("path"), "/")
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}
	id := uuid.New()

	var body io.Reader
	if c.Request.Method == http.MethodPost {
		body = c.Request.Body
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, body)
	if err != nil {
		glog.Errorf("proxy %s: bad upstream request: %s", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", id)

	glog.V(1).Infof("proxy %s: %s %s", id, req.Method, req.URL.Redacted())
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		glog.Errorf("proxy %s: %s", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		glog.Errorf("proxy %s: API request failed: %d %s", id, resp.StatusCode, http.StatusText(resp.StatusCode))
		c.JSON(resp.StatusCode, gin.H{"error": "API request failed: " + http.StatusText(resp.StatusCode)})
		return
	}

	var data json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		glog.Errorf("proxy %s: upstream sent bad JSON: %s", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
