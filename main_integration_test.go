package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/retina-check/internal/auth"
	"github.com/example/retina-check/internal/config"
	"github.com/example/retina-check/internal/normalizer"
	"github.com/example/retina-check/internal/predictor"
	"github.com/example/retina-check/internal/repository"
	"github.com/example/retina-check/internal/restclient"
	"github.com/example/retina-check/internal/usecase"
)

const wiredUserID = "user-42"

// wiredServer runs the real router over sqlite, miniredis and an HTTP model.
type wiredServer struct {
	addr     string
	token    string
	repo     *repository.AnalysisRepository
	redis    *miniredis.Miniredis
	signalCh chan os.Signal
	done     chan error

	stopOnce sync.Once
	exited   bool
}

type analysisBody struct {
	ID          string `json:"id"`
	Endpoint    string `json:"endpoint"`
	Saved       *bool  `json:"saved"`
	OverallRisk string `json:"overallRisk"`
	Results     []struct {
		Condition   string  `json:"condition"`
		Probability float64 `json:"probability"`
		Severity    string  `json:"severity"`
	} `json:"results"`
}

func startWiredServer(t *testing.T, model http.HandlerFunc) *wiredServer {
	t.Helper()
	logger := zap.NewNop()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Analysis.Timezone = "UTC"

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	repo := repository.NewAnalysisRepository(db, logger)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	modelServer := httptest.NewServer(model)
	t.Cleanup(modelServer.Close)
	predictors := predictor.NewRegistry(restclient.New(restclient.Config{
		Endpoint: normalizer.EndpointA,
		URL:      modelServer.URL,
		Timeout:  5 * time.Second,
	}, nil, logger))

	router, err := buildRouter(cfg, repo, usecase.NewRedisCache(redisClient, "retina:"), predictors, logger)
	require.NoError(t, err)

	issuer, err := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.Audience, time.Hour)
	require.NoError(t, err)
	token, err := issuer.Issue(wiredUserID)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &wiredServer{
		addr:     listener.Addr().String(),
		token:    token,
		repo:     repo,
		redis:    mr,
		signalCh: make(chan os.Signal, 1),
		done:     make(chan error, 1),
	}
	server := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		s.done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, s.signalCh)
	}()
	t.Cleanup(func() {
		s.shutdown()
		if !s.exited {
			assert.NoError(t, s.waitExit(t))
		}
	})

	waitForServer(t, s.addr)
	return s
}

func (s *wiredServer) shutdown() {
	s.stopOnce.Do(func() { s.signalCh <- syscall.SIGTERM })
}

func (s *wiredServer) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		s.exited = true
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("server did not exit after shutdown")
		return nil
	}
}

func (s *wiredServer) upload(t *testing.T) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="fundus.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG fake fundus"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("endpoint", string(normalizer.EndpointA)))
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, "http://"+s.addr+"/analyses", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req
}

func (s *wiredServer) get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.addr+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req
}

func modelReplying(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func doJSON(t *testing.T, req *http.Request, out interface{}) int {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out), string(raw))
	return resp.StatusCode
}

func assertGlaucomaOutcome(t *testing.T, body analysisBody) {
	t.Helper()
	require.Len(t, body.Results, 2)
	assert.Equal(t, "Glaucoma", body.Results[0].Condition)
	assert.Equal(t, 85.0, body.Results[0].Probability)
	assert.Equal(t, "high", body.Results[0].Severity)
	assert.Equal(t, "Amd", body.Results[1].Condition)
	assert.Equal(t, 20.0, body.Results[1].Probability)
	assert.Equal(t, "low", body.Results[1].Severity)
	assert.Equal(t, "high", body.OverallRisk)
}

func TestAnalyzeInFlightCompletesDuringGracefulShutdown(t *testing.T) {
	modelCalled := make(chan struct{})
	release := make(chan struct{})
	var calledOnce, releaseOnce sync.Once
	s := startWiredServer(t, func(w http.ResponseWriter, r *http.Request) {
		calledOnce.Do(func() { close(modelCalled) })
		<-release
		modelReplying(`{"result":{"scores":{"glaucoma":0.85,"amd":0.2}}}`)(w, r)
	})
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	type outcome struct {
		status int
		raw    []byte
		err    error
	}
	respCh := make(chan outcome, 1)
	req := s.upload(t)
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			respCh <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		respCh <- outcome{status: resp.StatusCode, raw: raw, err: err}
	}()

	select {
	case <-modelCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not reach the model in time")
	}

	s.shutdown()
	time.Sleep(50 * time.Millisecond)
	releaseOnce.Do(func() { close(release) })

	var got outcome
	select {
	case got = <-respCh:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight analysis did not complete")
	}
	require.NoError(t, got.err)
	require.Equal(t, http.StatusOK, got.status, string(got.raw))
	var body analysisBody
	require.NoError(t, json.Unmarshal(got.raw, &body))
	assertGlaucomaOutcome(t, body)
	assert.Equal(t, string(normalizer.EndpointA), body.Endpoint)
	require.NotNil(t, body.Saved)
	assert.True(t, *body.Saved)

	require.NoError(t, s.waitExit(t))

	records, err := s.repo.ListAnalysesByUser(context.Background(), wiredUserID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, body.ID, records[0].ID)
	assert.Equal(t, string(normalizer.SeverityHigh), records[0].OverallRisk)

	cached, err := s.redis.Get("retina:analysis:" + body.ID)
	require.NoError(t, err)
	assert.Contains(t, cached, body.ID)
}

func TestAnalyzeMalformedModelScoreReturnsBadGateway(t *testing.T) {
	s := startWiredServer(t, modelReplying(`{"result":{"scores":{"glaucoma":"n/a"}}}`))

	var body map[string]string
	status := doJSON(t, s.upload(t), &body)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, map[string]string{"error": "analysis failed"}, body)

	records, err := s.repo.ListAnalysesByUser(context.Background(), wiredUserID, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStoredAnalysisIsReadableThroughHistoryAndDetail(t *testing.T) {
	s := startWiredServer(t, modelReplying(`{"result":{"scores":{"glaucoma":0.85,"amd":0.2}}}`))

	var created analysisBody
	require.Equal(t, http.StatusOK, doJSON(t, s.upload(t), &created))
	require.NotEmpty(t, created.ID)

	var history struct {
		Analyses []analysisBody `json:"analyses"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, s.get(t, "/analyses"), &history))
	require.Len(t, history.Analyses, 1)
	assert.Equal(t, created.ID, history.Analyses[0].ID)
	assertGlaucomaOutcome(t, history.Analyses[0])

	var detail analysisBody
	require.Equal(t, http.StatusOK, doJSON(t, s.get(t, "/analyses/"+created.ID), &detail))
	assert.Equal(t, created.ID, detail.ID)
	assertGlaucomaOutcome(t, detail)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
