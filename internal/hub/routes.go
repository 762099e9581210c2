package hub

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/opshub/internal/auth"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/jobstore"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	codeInvalidJSON  = "invalid_json"
	codeInvalidJob   = "invalid_job"
	codeInvalidID    = "invalid_id"
	codeMissingID    = "missing_id"
	codeInvalidState = "invalid_state"
	codeInvalidLimit = "invalid_limit"
	codeJobExists    = "job_exists"
	codeNotFound     = "not_found"
	codeNotInInbox   = "job_not_in_inbox"
	codeForbidden    = "forbidden"
	codeRateLimited  = "rate_limited"
	codeTooLarge     = "payload_too_large"
	codeInternal     = "internal_error"
)

const maxBodyBytes = 1 << 20

type RouterOptions struct {
	Token               string
	CorsOrigins         []string
	RequireAuthForReads bool
	WritesPerSecond     float64
	WriteBurst          int
}

type actionRequest struct {
	ID    string `json:"id"`
	Actor string `json:"actor"`
}

// NewRouter builds the hub HTTP surface over svc.
func NewRouter(svc *Service, opts RouterOptions) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("hub"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.HeaderHubToken},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, codeNotFound)
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
	})
	r.GET("/ready", func(c *gin.Context) {
		if _, err := svc.List(c.Request.Context(), jobs.StateInbox, 1); err != nil {
			log.Warn().Err(err).Msg("hub not ready")
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	token := auth.StaticToken{Token: opts.Token}
	h := handlers{svc: svc}

	read := r.Group("/api/hub/jobs")
	if opts.RequireAuthForReads {
		read.Use(requireToken(token))
	}
	read.GET("/list", h.list)
	read.GET("/get", h.get)

	write := r.Group("/api/hub/jobs")
	write.Use(requireToken(token), limitWrites(opts.WritesPerSecond, opts.WriteBurst))
	write.POST("/submit", h.submit)
	write.POST("/confirm", h.confirm)
	write.POST("/archive", h.archive)

	return r
}

type handlers struct {
	svc *Service
}

func (h handlers) submit(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, codeTooLarge)
			return
		}
		writeError(c, http.StatusBadRequest, codeInvalidJSON)
		return
	}
	job, err := jobs.ParseSubmission(body)
	if err != nil {
		if errors.Is(err, jobs.ErrMalformed) {
			writeError(c, http.StatusBadRequest, codeInvalidJSON)
			return
		}
		writeErrorDetail(c, http.StatusBadRequest, codeInvalidJob, err.Error())
		return
	}
	stored, err := h.svc.Submit(c.Request.Context(), job)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": stored})
}

func (h handlers) confirm(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	job, err := h.svc.Confirm(c.Request.Context(), req.ID, req.Actor)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, jobstore.ErrNotInInbox) {
			writeError(c, http.StatusBadRequest, codeNotInInbox)
			return
		}
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": job})
}

func (h handlers) archive(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	job, err := h.svc.Archive(c.Request.Context(), req.ID, req.Actor)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotInInbox) {
			writeError(c, http.StatusNotFound, codeNotFound)
			return
		}
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job": job})
}

func (h handlers) list(c *gin.Context) {
	state := jobs.State(strings.TrimSpace(c.DefaultQuery("state", string(jobs.StateInbox))))
	if !state.Valid() {
		writeError(c, http.StatusBadRequest, codeInvalidState)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, codeInvalidLimit)
			return
		}
		limit = n
	}
	list, err := h.svc.List(c.Request.Context(), state, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": state, "jobs": list})
}

func (h handlers) get(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		writeError(c, http.StatusBadRequest, codeMissingID)
		return
	}
	job, state, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": state, "job": job})
}

func bindAction(c *gin.Context) (actionRequest, bool) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidJSON)
		return req, false
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(c, http.StatusBadRequest, codeMissingID)
		return req, false
	}
	return req, true
}

// writeStoreError maps store sentinels onto HTTP codes.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobstore.ErrInvalidID):
		writeError(c, http.StatusBadRequest, codeInvalidID)
	case errors.Is(err, jobstore.ErrExists):
		writeError(c, http.StatusConflict, codeJobExists)
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(c, http.StatusNotFound, codeNotFound)
	case errors.Is(err, jobstore.ErrNotInInbox):
		writeError(c, http.StatusBadRequest, codeNotInInbox)
	case errors.Is(err, ErrInvalidState):
		writeError(c, http.StatusBadRequest, codeInvalidState)
	default:
		log.Error().Err(err).Str("request_id", observability.RequestIDFrom(c)).Msg("hub store error")
		writeError(c, http.StatusInternalServerError, codeInternal)
	}
}

func writeError(c *gin.Context, status int, code string) {
	c.JSON(status, gin.H{"ok": false, "error": code})
}

func writeErrorDetail(c *gin.Context, status int, code, detail string) {
	c.JSON(status, gin.H{"ok": false, "error": code, "detail": detail})
}

func abortError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": code})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
