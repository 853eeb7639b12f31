package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataquality-go/internal/config"
	"dataquality-go/internal/middleware"
	"dataquality-go/internal/model"
	"dataquality-go/internal/pipeline"
	"dataquality-go/internal/repository"
	"dataquality-go/internal/service"
	"dataquality-go/pkg/storage"
)

// fakeFileRepo 是 FileRepository 的内存实现，供 HTTP 层端到端测试使用。
type fakeFileRepo struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*model.FileRecord
	cache   map[string][]byte
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{
		nextID:  1,
		records: make(map[uint64]*model.FileRecord),
		cache:   make(map[string][]byte),
	}
}

func (f *fakeFileRepo) Create(record *model.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.ID = f.nextID
	f.nextID++
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	clone := *record
	f.records[record.ID] = &clone
	return nil
}

func (f *fakeFileRepo) GetByID(id uint64) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeFileRepo) GetByReference(ref string) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.FileReference == ref {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, repository.ErrRecordNotFound
}

func (f *fakeFileRepo) List(page, limit int, search string) ([]model.FileRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.FileRecord
	for _, rec := range f.records {
		if search != "" && !strings.Contains(strings.ToLower(rec.OriginalFilename), strings.ToLower(search)) {
			continue
		}
		out = append(out, *rec)
	}
	return out, int64(len(out)), nil
}

func (f *fakeFileRepo) UpdateAnalysis(id uint64, result *model.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return repository.ErrRecordNotFound
	}
	rec.NullCount = &result.NullCount
	rec.TotalRows = &result.TotalRows
	rec.TotalColumns = &result.TotalColumns
	rec.DuplicateRecords = result.DuplicateRecords
	rec.AnalysisTime = &result.AnalysisTime
	rec.MemoryUsageMB = result.MemoryUsageMB
	return nil
}

func (f *fakeFileRepo) Delete(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return repository.ErrRecordNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeFileRepo) GetCachedReport(ctx context.Context, ref string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.cache[ref]
	return payload, ok
}

func (f *fakeFileRepo) SetCachedReport(ctx context.Context, ref string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[ref] = payload
}

func (f *fakeFileRepo) InvalidateReport(ctx context.Context, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, ref)
}

// newTestServer 按 main.go 的方式组装一个完整的路由。
func newTestServer(t *testing.T, maxFileSize int64) (*httptest.Server, *fakeFileRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := newFakeFileRepo()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	uploadCfg := config.UploadConfig{MaxFileSize: maxFileSize}
	analysisCfg := config.AnalysisConfig{ChunkSize: 2, DefaultUpdateInterval: 0.5}

	fileService := service.NewFileService(repo, store, nil, maxFileSize)
	orchestrator := pipeline.NewOrchestrator(repo, store, nil, uploadCfg, analysisCfg)
	fileHandler := NewFileHandler(fileService, maxFileSize)
	uploadHandler := NewUploadHandler(orchestrator, uploadCfg, analysisCfg)

	r := gin.New()
	r.Use(middleware.CORS([]string{"http://localhost:3000"}), gin.Recovery())
	files := r.Group("/api/files")
	{
		files.POST("/upload-sse", uploadHandler.UploadWithSSE)
		files.POST("/upload", fileHandler.Upload)
		files.GET("/", fileHandler.List)
		files.GET("/:id", fileHandler.GetByID)
		files.GET("/:id/preview", fileHandler.Preview)
		files.GET("/reference/:ref/report", fileHandler.GetReportByReference)
		files.DELETE("/:id", fileHandler.Delete)
	}

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

// multipartBody 构造带单个 file 字段的 multipart 请求体。
func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

// postSSE 上传文件并解析完整的 SSE 事件序列。
func postSSE(t *testing.T, srv *httptest.Server, filename, content string) []pipeline.UploadEvent {
	t.Helper()
	body, contentType := multipartBody(t, filename, content)
	resp, err := http.Post(srv.URL+"/api/files/upload-sse?update_interval=0.1", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []pipeline.UploadEvent
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.UploadEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	return events
}

func TestUploadSSEHappyPath(t *testing.T) {
	srv, repo := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "data.csv", "a,b\n1,2\n3,\n,5\n")

	final := events[len(events)-1]
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.NullCount)
	assert.Equal(t, int64(2), *final.NullCount)
	require.NotNil(t, final.TotalRows)
	assert.Equal(t, int64(3), *final.TotalRows)
	require.NotNil(t, final.TotalColumns)
	assert.Equal(t, int64(2), *final.TotalColumns)
	assert.NotEmpty(t, final.FileReference)

	// 每个状态段内进度单调不减
	lastByStatus := map[string]float64{}
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, lastByStatus[ev.Status], "message=%s", ev.Message)
		lastByStatus[ev.Status] = ev.Progress
	}

	// 数据库记录满足不变式
	require.NotNil(t, final.FileID)
	rec, err := repo.GetByID(*final.FileID)
	require.NoError(t, err)
	require.True(t, rec.Analyzed())
	assert.LessOrEqual(t, *rec.NullCount, *rec.TotalRows)
}

func TestUploadSSEDuplicateSemantics(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "dups.csv", "x\nfoo\nFOO\nfoo\n")

	final := events[len(events)-1]
	require.Equal(t, pipeline.StatusCompleted, final.Status)
	assert.Equal(t, map[string]int64{"x": 1}, final.DuplicateRecords)
	require.NotNil(t, final.TotalRows)
	assert.Equal(t, int64(3), *final.TotalRows)
	require.NotNil(t, final.NullCount)
	assert.Equal(t, int64(0), *final.NullCount)
}

func TestUploadSSEMalformedCSVEndsWithErrorFrame(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "bad.csv", "a,b\n1,2\n3,4,5\n")

	final := events[len(events)-1]
	assert.Equal(t, pipeline.StatusError, final.Status)
	assert.Equal(t, 1.0, final.Progress)
}

func TestUploadSSERejectsWrongExtensionPreStream(t *testing.T) {
	srv, repo := newTestServer(t, 10*1024*1024)

	body, contentType := multipartBody(t, "data.txt", "a\n1\n")
	resp, err := http.Post(srv.URL+"/api/files/upload-sse", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload["detail"], "Only CSV files are allowed")
	assert.Empty(t, repo.records)
}

func TestUploadSSERejectsOversizePreStream(t *testing.T) {
	srv, repo := newTestServer(t, 16)

	body, contentType := multipartBody(t, "big.csv", strings.Repeat("a,b\n1,2\n", 16))
	resp, err := http.Post(srv.URL+"/api/files/upload-sse", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	// 流从未开始：纯 400 响应
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "File too large", payload["detail"])
	assert.Empty(t, repo.records)
}

func TestUploadSSERejectsMissingFile(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	resp, err := http.Post(srv.URL+"/api/files/upload-sse", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadSSERejectsBadUpdateInterval(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	body, contentType := multipartBody(t, "data.csv", "a\n1\n")
	resp, err := http.Post(srv.URL+"/api/files/upload-sse?update_interval=9.5", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRepeatedSSEUploadsAreDistinct(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	content := "a\nv\nv\n"
	firstEvents := postSSE(t, srv, "same.csv", content)
	secondEvents := postSSE(t, srv, "same.csv", content)
	first := firstEvents[len(firstEvents)-1]
	second := secondEvents[len(secondEvents)-1]
	require.Equal(t, pipeline.StatusCompleted, first.Status)
	require.Equal(t, pipeline.StatusCompleted, second.Status)
	assert.NotEqual(t, first.StoredFilename, second.StoredFilename)
	assert.NotEqual(t, first.FileReference, second.FileReference)
}

func TestSimpleUploadEndpoint(t *testing.T) {
	srv, repo := newTestServer(t, 10*1024*1024)

	body, contentType := multipartBody(t, "plain.csv", "a\n1\n")
	resp, err := http.Post(srv.URL+"/api/files/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "File uploaded successfully", payload["message"])
	assert.Equal(t, "plain.csv", payload["original_filename"])
	assert.NotEmpty(t, payload["stored_filename"])

	// 不做分析
	for _, rec := range repo.records {
		assert.False(t, rec.Analyzed())
	}
}

func TestReportEndpointIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "data.csv", "a,b\n1,2\nnull,2\n1,3\n")
	final := events[len(events)-1]
	require.Equal(t, pipeline.StatusCompleted, final.Status)

	url := fmt.Sprintf("%s/api/files/reference/%s/report", srv.URL, final.FileReference)
	fetch := func() []byte {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return raw
	}

	first := fetch()
	second := fetch()
	assert.Equal(t, first, second, "同一记录的报告应当字节一致")

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &report))
	assert.Equal(t, float64(3), report["total_records"])
	assert.Equal(t, float64(1), report["null_records"])
	assert.Equal(t, map[string]interface{}{"a": float64(1), "b": float64(1)}, report["duplicate_records"])
}

func TestReportEndpointNotAnalyzed(t *testing.T) {
	srv, repo := newTestServer(t, 10*1024*1024)

	body, contentType := multipartBody(t, "plain.csv", "a\n1\n")
	resp, err := http.Post(srv.URL+"/api/files/upload", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	var ref string
	for _, rec := range repo.records {
		ref = rec.FileReference
	}
	require.NotEmpty(t, ref)

	resp, err = http.Get(fmt.Sprintf("%s/api/files/reference/%s/report", srv.URL, ref))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetByIDNotFound(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	resp, err := http.Get(srv.URL + "/api/files/12345")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "data.csv", "a,b\n1,null\n2,x\n")
	final := events[len(events)-1]
	require.NotNil(t, final.FileID)

	resp, err := http.Get(fmt.Sprintf("%s/api/files/%d/preview?limit=1", srv.URL, *final.FileID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview struct {
		FileID       uint64                   `json:"file_id"`
		Columns      []string                 `json:"columns"`
		Records      []map[string]interface{} `json:"records"`
		TotalRows    int64                    `json:"total_rows"`
		PreviewCount int                      `json:"preview_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, *final.FileID, preview.FileID)
	assert.Equal(t, []string{"a", "b"}, preview.Columns)
	assert.Equal(t, int64(2), preview.TotalRows)
	assert.Equal(t, 1, preview.PreviewCount)
	require.Len(t, preview.Records, 1)
	assert.Nil(t, preview.Records[0]["b"])
}

func TestDeleteEndpoint(t *testing.T) {
	srv, repo := newTestServer(t, 10*1024*1024)

	events := postSSE(t, srv, "data.csv", "a\n1\n")
	final := events[len(events)-1]
	require.NotNil(t, final.FileID)

	rec, err := repo.GetByID(*final.FileID)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/files/%d", srv.URL, *final.FileID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, repo.records)
	assert.NoFileExists(t, rec.FilePath)

	// 再删一次 → 404
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestListEndpointWithSearch(t *testing.T) {
	srv, _ := newTestServer(t, 10*1024*1024)

	for _, name := range []string{"sales.csv", "users.csv"} {
		body, contentType := multipartBody(t, name, "a\n1\n")
		resp, err := http.Post(srv.URL+"/api/files/upload", contentType, body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/files/?page=1&limit=10&search=SALES")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Files []model.FileRecord `json:"files"`
		Total int64              `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, int64(1), payload.Total)
	require.Len(t, payload.Files, 1)
	assert.Equal(t, "sales.csv", payload.Files[0].OriginalFilename)
}
