package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/usecase"
)

// MaxUploadSize is the default cap on an uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and the small form fields.
const multipartOverhead = 1 << 20

// AnalysisService is the analysis use case as seen by the HTTP layer.
type AnalysisService interface {
	Analyze(ctx context.Context, userID string, img predictor.Image, params usecase.Params) (*usecase.AnalysisResult, error)
	Preview(ctx context.Context, params usecase.Params, body []byte) (*normalizer.AnalysisOutcome, error)
	GetAnalysis(ctx context.Context, userID, id string) (*repository.AnalysisRecord, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]*repository.AnalysisRecord, error)
	GetSummary(ctx context.Context, userID string) (*usecase.Summary, error)
	GetDuplicateReport(ctx context.Context, userID, id string) (*usecase.DuplicateReport, error)
}

// AccountService is the account use case as seen by the HTTP layer.
type AccountService interface {
	Signup(ctx context.Context, req usecase.SignupRequest) (*usecase.Session, error)
	Login(ctx context.Context, email, password string) (*usecase.Session, error)
}

// Option customizes RegisterRoutes.
type Option func(*routes)

// WithMaxUploadSize overrides MaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(r *routes) {
		if n > 0 {
			r.maxUpload = n
		}
	}
}

type routes struct {
	analyses  AnalysisService
	accounts  AccountService
	maxUpload int64
}

type analysisResponse struct {
	ID             string    `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Scheme         string    `json:"scheme"`
	PredictedClass string    `json:"predicted_class,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Saved          *bool     `json:"saved,omitempty"`
	*normalizer.AnalysisOutcome
}

func newAnalysisResponse(r *repository.AnalysisRecord) analysisResponse {
	return analysisResponse{
		ID:              r.ID,
		Endpoint:        r.Endpoint,
		Scheme:          r.Scheme,
		PredictedClass:  r.PredictedClass,
		Confidence:      r.Confidence,
		CreatedAt:       r.CreatedAt,
		AnalysisOutcome: r.Outcome(),
	}
}

func newAnalysisList(records []*repository.AnalysisRecord) []analysisResponse {
	out := make([]analysisResponse, 0, len(records))
	for _, r := range records {
		out = append(out, newAnalysisResponse(r))
	}
	return out
}

type previewRequest struct {
	Endpoint string          `json:"endpoint"`
	Scheme   string          `json:"scheme"`
	Response json.RawMessage `json:"response" binding:"required"`
}

type signupRequest struct {
	Name            string `json:"name" binding:"required"`
	Email           string `json:"email" binding:"required"`
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Analysis routes
// sit behind authMiddleware.
func RegisterRoutes(router *gin.Engine, analyses AnalysisService, accounts AccountService, authMiddleware gin.HandlerFunc, opts ...Option) {
	h := &routes{analyses: analyses, accounts: accounts, maxUpload: MaxUploadSize}
	for _, opt := range opts {
		opt(h)
	}

	authGroup := router.Group("/auth")
	authGroup.POST("/signup", h.signup)
	authGroup.POST("/login", h.login)

	group := router.Group("/analyses", authMiddleware)
	group.POST("", h.analyze)
	group.POST("/preview", h.preview)
	group.GET("", h.history)
	group.GET("/summary", h.summary)
	group.GET("/:id", h.getAnalysis)
	group.GET("/:id/duplicates", h.duplicates)
}

func (h *routes) analyze(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image content type required"})
		return
	}

	params, err := parseParams(c.PostForm("endpoint"), c.PostForm("scheme"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	img := predictor.Image{Filename: file.Filename, ContentType: contentType, Data: data}
	result, err := h.analyses.Analyze(c.Request.Context(), userID, img, params)
	if err != nil {
		writeAnalysisError(c, err)
		return
	}

	resp := newAnalysisResponse(result.Record)
	resp.AnalysisOutcome = result.Outcome
	resp.Saved = &result.Saved
	c.JSON(http.StatusOK, resp)
}

func (h *routes) preview(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}

	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response body is required"})
		return
	}
	params, err := parseParams(req.Endpoint, req.Scheme)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.analyses.Preview(c.Request.Context(), params, req.Response)
	if err != nil {
		var empty *normalizer.EmptyInputError
		var malformed *normalizer.MalformedScoreError
		switch {
		case errors.As(err, &empty):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "analysis returned no results"})
		case errors.As(err, &malformed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": malformed.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid response body"})
		}
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *routes) history(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.analyses.ListHistory(c.Request.Context(), userID, limit)
	if err != nil {
		writeAnalysisError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": newAnalysisList(records)})
}

func (h *routes) summary(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	summary, err := h.analyses.GetSummary(c.Request.Context(), userID)
	if err != nil {
		writeAnalysisError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *routes) getAnalysis(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	record, err := h.analyses.GetAnalysis(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeAnalysisError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnalysisResponse(record))
}

func (h *routes) duplicates(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	report, err := h.analyses.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeAnalysisError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analysis":   newAnalysisResponse(report.Analysis),
		"duplicates": newAnalysisList(report.Duplicates),
	})
}

func (h *routes) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, email, password and confirm_password are required"})
		return
	}

	session, err := h.accounts.Signup(c.Request.Context(), usecase.SignupRequest{
		Name:            req.Name,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, session)
	case errors.Is(err, usecase.ErrPasswordMismatch), errors.Is(err, usecase.ErrInvalidSignup), errors.Is(err, usecase.ErrPasswordTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
	}
}

func (h *routes) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	session, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, session)
	case errors.Is(err, usecase.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
	}
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return userID, ok
}

func parseParams(endpoint, scheme string) (usecase.Params, error) {
	var params usecase.Params
	if strings.TrimSpace(endpoint) != "" {
		e, err := normalizer.ParseEndpoint(endpoint)
		if err != nil {
			return params, err
		}
		params.Endpoint = e
	}
	s, err := normalizer.ParseScheme(scheme)
	if err != nil {
		return params, err
	}
	params.Scheme = s
	return params, nil
}

func writeAnalysisError(c *gin.Context, err error) {
	var empty *normalizer.EmptyInputError
	var malformed *normalizer.MalformedScoreError
	var upstream *predictor.UpstreamError
	switch {
	case errors.As(err, &empty):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "analysis returned no results"})
	case errors.As(err, &malformed), errors.As(err, &upstream):
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "analysis failed"})
	case errors.Is(err, predictor.ErrUnknownEndpoint):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
