package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	appfootprint "footprint/internal/application/service/footprint"
	appmarketdata "footprint/internal/application/service/marketdata"
	domainmarketdata "footprint/internal/domain/entity/marketdata"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	footprintBasePath  = "/api/v1/footprint"
	marketdataBasePath = "/api/v1/marketdata"
)

var (
	errMissingSymbol = errors.New("symbol query param required")
	errMissingRange  = errors.New("from/to query params required")
	errNoTradeLog    = errors.New("trade log is not configured")
	errEmptyBody     = errors.New("request body has no trades")
)

type Handler struct {
	router     *gin.Engine
	footprint  *appfootprint.Service
	marketdata *appmarketdata.Service
	cache      *redis.Client
	cacheTTL   time.Duration
	gatherer   prometheus.Gatherer
	now        func() time.Time
}

// NewHandler wires the routes. marketdata, cache and gatherer may be nil:
// trade log routes then answer 503, GET responses are not cached and
// /metrics is not served.
func NewHandler(fp *appfootprint.Service, md *appmarketdata.Service, cache *redis.Client, cacheTTL time.Duration, gatherer prometheus.Gatherer) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:     router,
		footprint:  fp,
		marketdata: md,
		cache:      cache,
		cacheTTL:   cacheTTL,
		gatherer:   gatherer,
		now:        time.Now,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.gatherer != nil {
		h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	// Footprint views change with every trade, so they are never served from the cache.
	fp := h.router.Group(footprintBasePath)
	{
		fp.GET("", h.listSymbols)
		fp.POST("/trades", h.ingestTrades)
		fp.GET("/:symbol", h.getView)
		fp.GET("/:symbol/cells", h.getCells)
		fp.GET("/:symbol/ohlc", h.getOHLC)
		fp.GET("/:symbol/cvd", h.getCVD)
		fp.POST("/:symbol/rebuild", h.rebuild)
		fp.DELETE("/:symbol", h.reset)
	}

	md := h.router.Group(marketdataBasePath)
	if h.cache != nil {
		md.Use(h.cacheMiddleware())
	}
	{
		trades := md.Group("/trades")
		{
			trades.POST("/batch", h.addTradesBatch)
			trades.GET("", h.getTradesRange)
			trades.GET("/last", h.getTradesLast)
		}
	}
}

// Footprint handlers

func (h *Handler) listSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.footprint.Symbols()})
}

// ingestTrades accepts a JSON array of raw trade rows and reports what
// happened to each of them.
func (h *Handler) ingestTrades(c *gin.Context) {
	var rows []domainmarketdata.RawTrade
	if err := c.ShouldBindJSON(&rows); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if len(rows) == 0 {
		writeError(c, http.StatusBadRequest, errEmptyBody)
		return
	}
	report := h.footprint.Ingest(c.Request.Context(), rows)
	c.JSON(http.StatusOK, report)
}

func (h *Handler) getView(c *gin.Context) {
	view, err := h.footprint.View(c.Param("symbol"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getCells(c *gin.Context) {
	view, err := h.footprint.View(c.Param("symbol"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view.Cells)
}

func (h *Handler) getOHLC(c *gin.Context) {
	view, err := h.footprint.View(c.Param("symbol"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view.Bars)
}

func (h *Handler) getCVD(c *gin.Context) {
	view, err := h.footprint.View(c.Param("symbol"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view.CVD)
}

// rebuild recomputes a book from the trade log. The window ends at the
// optional "now" query param, default the current time.
func (h *Handler) rebuild(c *gin.Context) {
	now := h.now()
	if raw := c.Query("now"); raw != "" {
		parsed, err := domainmarketdata.ParseTimestamp(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("now: %w", err))
			return
		}
		now = parsed
	}
	report, err := h.footprint.Rebuild(c.Request.Context(), c.Param("symbol"), now)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) reset(c *gin.Context) {
	if err := h.footprint.Reset(c.Param("symbol")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Trade log handlers

func (h *Handler) addTradesBatch(c *gin.Context) {
	if h.marketdata == nil {
		writeError(c, http.StatusServiceUnavailable, errNoTradeLog)
		return
	}
	var rows []domainmarketdata.RawTrade
	if err := c.ShouldBindJSON(&rows); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	trades := make([]domainmarketdata.Trade, 0, len(rows))
	for i, row := range rows {
		trade, err := domainmarketdata.Normalize(row)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("row %d: %w", i, err))
			return
		}
		trades = append(trades, trade)
	}
	inserted, err := h.marketdata.AddTrades(c.Request.Context(), trades)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"received": len(trades), "inserted": inserted})
}

func (h *Handler) getTradesRange(c *gin.Context) {
	if h.marketdata == nil {
		writeError(c, http.StatusServiceUnavailable, errNoTradeLog)
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	trades, err := h.marketdata.GetTradesBetween(c.Request.Context(), symbol, from, to)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (h *Handler) getTradesLast(c *gin.Context) {
	if h.marketdata == nil {
		writeError(c, http.StatusServiceUnavailable, errNoTradeLog)
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	limit, err := parseIntQuery(c, "limit")
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	trades, err := h.marketdata.GetLastTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(c *gin.Context, err error) {
	var verr *domainmarketdata.ValidationError
	switch {
	case errors.Is(err, appfootprint.ErrUnknownSymbol):
		writeError(c, http.StatusNotFound, err)
	case errors.Is(err, appfootprint.ErrNoRepository):
		writeError(c, http.StatusServiceUnavailable, err)
	case errors.Is(err, appfootprint.ErrMissingSymbol),
		errors.Is(err, appmarketdata.ErrMissingSymbol),
		errors.Is(err, appmarketdata.ErrInvalidLimit),
		errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, err)
	default:
		writeError(c, http.StatusInternalServerError, err)
	}
}

// cacheMiddleware caches GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

// cacheKey uses the request path, not the route pattern, so different
// symbols never share an entry.
func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery)
}

func parseIntQuery(c *gin.Context, key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("%s query param required", key)
	}
	return strconv.Atoi(value)
}

// parseTimeRange accepts RFC3339 or epoch seconds/milliseconds for from and to.
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	from, err := domainmarketdata.ParseTimestamp(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, err := domainmarketdata.ParseTimestamp(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	return from, to, nil
}
