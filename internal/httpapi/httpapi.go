// Package httpapi exposes encapure's search/rerank core over HTTP: a
// minimal gin router in the same style as the pack's plain
// gin.Default()-plus-one-handler-per-route wiring, with request
// validation via gin's binding tags and an error-kind → status-code
// mapping per the error handling design.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dannyavrs/encapure/internal/search"
	"github.com/dannyavrs/encapure/internal/session"
	"github.com/dannyavrs/encapure/internal/store"
)

// requestID key used by requestIDMiddleware; a package-level constant so
// handlers in this package that want to log it can retrieve it via
// c.GetString.
const requestIDKey = "request_id"

// MaxDocuments bounds the /rerank contract's document list length.
const MaxDocuments = 100

// Readiness reports whether startup warmup has completed — gates
// /ready independent of /health's bare process-liveness check.
type Readiness interface {
	Ready() bool
}

// NewRouter builds the gin router for /search, /rerank, /health,
// /ready, /metrics, the routes spec.md §6 names.
func NewRouter(orch *search.Orchestrator, readiness Readiness) *gin.Engine {
	r := gin.Default()
	r.Use(requestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if readiness == nil || !readiness.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming up"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/search", handleSearch(orch))
	r.POST("/rerank", handleRerank(orch))

	return r
}

type searchRequest struct {
	Query            string `json:"query" binding:"required"`
	TopK             int    `json:"top_k" binding:"required,min=1,max=100"`
	AgentDescription string `json:"agent_description"`
}

type searchResultDTO struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float32 `json:"score"`
}

func handleSearch(orch *search.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		results, err := orch.Search(c.Request.Context(), req.Query, req.TopK, req.AgentDescription)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		dtos := make([]searchResultDTO, len(results))
		for i, r := range results {
			dtos[i] = searchResultDTO{Name: r.Name, Description: r.Description, Score: r.Score}
		}
		c.JSON(http.StatusOK, gin.H{"results": dtos})
	}
}

type rerankRequest struct {
	Query     string   `json:"query" binding:"required"`
	Documents []string `json:"documents" binding:"required,min=1"`
}

type rerankResultDTO struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

func handleRerank(orch *search.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rerankRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.Documents) > MaxDocuments {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "too many documents: max " + strconv.Itoa(MaxDocuments),
			})
			return
		}

		results, err := orch.Rerank(c.Request.Context(), req.Query, req.Documents)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		dtos := make([]rerankResultDTO, len(results))
		for i, r := range results {
			dtos[i] = rerankResultDTO{Index: r.Index, Score: r.Score}
		}
		c.JSON(http.StatusOK, gin.H{"results": dtos})
	}
}

// statusForError maps the error taxonomy from spec.md §7 to HTTP status
// codes: validation → client error, model/persistence → server error,
// resource → overloaded.
func statusForError(err error) int {
	switch {
	case errors.Is(err, search.ErrInvalidArgument):
		return http.StatusBadRequest
	case session.IsResourceError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrCacheMiss):
		return http.StatusInternalServerError
	default:
		// A failure inside the bi-encoder or cross-encoder that isn't a
		// resource-pool error (a malformed model output, a tokenizer
		// panic recovered as an error, ...) is a server-side fault.
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
