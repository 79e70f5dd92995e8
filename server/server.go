// Package server implements the HTTP API over a watch set: stock search, the watch
// set itself, the watchlist, an authenticating proxy to the market data API and a
// websocket stream of watch-set changes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/server/messages"
	"github.com/johnsiilver/asxwatch/stocks"
	"github.com/johnsiilver/asxwatch/ticker"
	"github.com/johnsiilver/asxwatch/watchlist"
	"github.com/johnsiilver/asxwatch/watchset"
)

// Options configures a Server.
type Options struct {
	// Trending are the tickers served by /api/stocks/trending.
	Trending []string
	// UpstreamURL is where /api/proxy forwards to. The proxy is disabled if empty.
	UpstreamURL string
	// APIKey is sent upstream as a bearer token by the proxy.
	APIKey string
	// HTTPClient is used by the proxy. Defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
}

// Server serves the API. It implements http.Handler.
type Server struct {
	m      *watchset.Manager
	wl     *watchlist.Store
	opts   Options
	engine *gin.Engine
}

// New is the constructor for Server.
func New(m *watchset.Manager, wl *watchlist.Store, opts Options) *Server {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: marketdata.DefaultTimeout}
	}

	s := &Server{m: m, wl: wl, opts: opts, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/stocks/trending", s.trending)
	api.GET("/stocks/search", s.search)

	api.GET("/watch", s.snapshot)
	api.POST("/watch", s.watch)
	api.DELETE("/watch/:ticker", s.unwatch)
	api.POST("/refresh", s.refresh)
	api.POST("/cleanup", s.cleanup)

	api.GET("/quotes/:ticker", s.quote)
	api.GET("/company/:ticker", s.company)

	api.PUT("/displayed/:ticker", s.display)
	api.DELETE("/displayed", s.clearDisplay)

	api.GET("/watchlist", s.watchlist)
	api.POST("/watchlist/:ticker", s.watchlistAdd)
	api.DELETE("/watchlist/:ticker", s.watchlistRemove)
	api.POST("/watchlist/:ticker/toggle", s.watchlistToggle)

	api.GET("/stream", s.stream)

	if s.opts.UpstreamURL != "" {
		api.GET("/proxy/*path", s.proxy)
		api.POST("/proxy/*path", s.proxy)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// requestLog logs every request at V(1).
func requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	glog.V(1).Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// tickersReq is the body of requests that carry tickers.
type tickersReq struct {
	Tickers []string `json:"tickers"`
}

// rejected is an input ticker that failed validation.
type rejected struct {
	Input string `json:"input"`
	Error string `json:"error"`
}

// validTicker validates the :ticker parameter, writing a 400 if it is invalid.
func validTicker(c *gin.Context) (string, bool) {
	t, err := ticker.Validate(c.Param("ticker"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return t, true
}

// split validates tickers, returning the canonical valid ones and the rejects.
func split(in []string) ([]string, []rejected) {
	valid := []string{}
	bad := []rejected{}
	for _, s := range in {
		t, err := ticker.Validate(s)
		if err != nil {
			bad = append(bad, rejected{Input: s, Error: err.Error()})
			continue
		}
		valid = append(valid, t)
	}
	return ticker.Dedupe(valid), bad
}

func (s *Server) trending(c *gin.Context) {
	out := make([]stocks.Stock, 0, len(s.opts.Trending))
	for _, t := range s.opts.Trending {
		out = append(out, stocks.Stock{Ticker: t, Name: stocks.Name(t)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) search(c *gin.Context) {
	c.JSON(http.StatusOK, stocks.Search(c.Query("q")))
}

func (s *Server) snapshot(c *gin.Context) {
	st := s.m.State()
	c.JSON(http.StatusOK, messages.Snapshot(st.Version, st.Data))
}

func (s *Server) watch(c *gin.Context) {
	var req tickersReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	valid, bad := split(req.Tickers)
	if len(valid) == 0 {
		msg := "Please enter a ticker symbol"
		if len(bad) > 0 {
			msg = bad[0].Error
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "rejected": bad})
		return
	}

	s.m.Watch(valid...)
	c.JSON(http.StatusAccepted, gin.H{"watching": valid, "rejected": bad})
}

func (s *Server) unwatch(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}
	s.m.Unwatch(t)
	c.Status(http.StatusNoContent)
}

func (s *Server) refresh(c *gin.Context) {
	var req tickersReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	valid, bad := split(req.Tickers)
	if len(req.Tickers) == 0 {
		valid = s.m.Watched()
	}
	s.m.Refresh(valid...)
	c.JSON(http.StatusAccepted, gin.H{"refreshing": valid, "rejected": bad})
}

func (s *Server) cleanup(c *gin.Context) {
	evicted := s.m.Cleanup()
	if evicted == nil {
		evicted = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted})
}

// quoteResp is the body of /api/quotes/:ticker.
type quoteResp struct {
	Ticker  string                `json:"ticker"`
	Quote   *marketdata.QuoteData `json:"quote"`
	Loading bool                  `json:"loading"`
	Stale   bool                  `json:"stale"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) quote(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}

	resp := quoteResp{Ticker: t, Quote: s.m.GetQuoteData(t), Loading: s.m.IsTickerLoading(t), Stale: s.m.IsStale(t)}
	if err := s.m.Error(t); err != nil {
		resp.Error = err.Error()
	}

	if _, watched := s.m.Entry(t); !watched {
		if resp.Error != "" {
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticker '" + t + "' is not being watched"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) company(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), marketdata.DefaultTimeout)
	defer cancel()

	cd, err := s.m.Company(ctx, t)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cd)
}

// errStatus maps a fetch error to an HTTP status.
func errStatus(err error) int {
	var ve ticker.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var ae *marketdata.APIError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case marketdata.KindNotFound:
		return http.StatusNotFound
	case marketdata.KindBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) display(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}
	s.m.Watch(t)
	s.m.SetCurrentlyDisplayed(t)
	c.Status(http.StatusNoContent)
}

func (s *Server) clearDisplay(c *gin.Context) {
	s.m.SetCurrentlyDisplayed("")
	c.Status(http.StatusNoContent)
}

func (s *Server) watchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tickers": s.wl.List()})
}

func (s *Server) watchlistAdd(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}
	if err := s.wl.Add(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.m.Watch(t)
	c.JSON(http.StatusOK, gin.H{"tickers": s.wl.List()})
}

func (s *Server) watchlistRemove(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}
	if err := s.wl.Remove(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickers": s.wl.List()})
}

func (s *Server) watchlistToggle(c *gin.Context) {
	t, ok := validTicker(c)
	if !ok {
		return
	}
	listed, err := s.wl.Toggle(c.Request.Context(), t)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if listed {
		s.m.Watch(t)
	}
	c.JSON(http.StatusOK, gin.H{"listed": listed, "tickers": s.wl.List()})
}
