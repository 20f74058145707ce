package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// MockModelSource is a mock implementation of the ModelSource interface for testing.
type MockModelSource struct {
	mockDownloadModel func(ctx context.Context, modelID string, destination string) (*DownloadResult, error)
}

func (m *MockModelSource) DownloadModel(ctx context.Context, modelID string, destination string) (*DownloadResult, error) {
	if m.mockDownloadModel != nil {
		return m.mockDownloadModel(ctx, modelID, destination)
	}
	return nil, errors.New("DownloadModel not implemented for mock")
}

func TestNewDownloader(t *testing.T) {
	mockSource := &MockModelSource{}
	d := NewDownloader(mockSource)

	if d == nil {
		t.Fatal("NewDownloader returned nil")
	}
	if d.source != mockSource {
		t.Errorf("NewDownloader did not set the correct ModelSource")
	}
}

func TestDownloader_Download(t *testing.T) {
	tests := []struct {
		name          string
		modelID       string
		destination   string
		mockResult    *DownloadResult
		mockError     error
		expectedError bool
	}{
		{
			name:        "Successful download",
			modelID:     "test-model",
			destination: "/tmp/download",
			mockResult: &DownloadResult{
				ModelPath: "/tmp/download/model.onnx",
				DataPaths: []string{"/tmp/download/model.onnx_data"},
			},
		},
		{
			name:          "Download with error",
			modelID:       "error-model",
			destination:   "/tmp/download",
			mockError:     errors.New("mock download error"),
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSource := &MockModelSource{
				mockDownloadModel: func(_ context.Context, modelID string, destination string) (*DownloadResult, error) {
					return tt.mockResult, tt.mockError
				},
			}
			d := NewDownloader(mockSource)

			result, err := d.Download(context.Background(), tt.modelID, tt.destination)

			if tt.expectedError {
				if err == nil {
					t.Errorf("Expected an error, but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
			if result == nil {
				t.Fatal("Expected a DownloadResult, but got nil")
			}
			if result.ModelPath != tt.mockResult.ModelPath {
				t.Errorf("Expected ModelPath %s, got %s", tt.mockResult.ModelPath, result.ModelPath)
			}
			if len(result.DataPaths) != len(tt.mockResult.DataPaths) {
				t.Errorf("Expected %d data paths, got %d", len(tt.mockResult.DataPaths), len(result.DataPaths))
			}
		})
	}
}

func Test_downloadFile(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name           string
		serverHandler  http.HandlerFunc
		fileName       string
		expectedErrMsg string
	}{
		{
			name: "Successful download",
			serverHandler: func(w http.ResponseWriter, r *http.Request) {
				if _, err := fmt.Fprint(w, "test content"); err != nil {
					t.Errorf("Error writing to response writer: %v", err)
				}
			},
			fileName: "sub/test.txt",
		},
		{
			name: "HTTP error status",
			serverHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Not Found", http.StatusNotFound)
			},
			fileName:       "error.txt",
			expectedErrMsg: "status code 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.serverHandler)
			defer server.Close()

			filePath := filepath.Join(tempDir, tt.fileName)
			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			n, err := downloadFile(server.Client(), req, filePath)

			if tt.expectedErrMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedErrMsg) {
					t.Errorf("Expected error containing \"%s\", got \"%v\"", tt.expectedErrMsg, err)
				}
				if _, fileErr := os.Stat(filePath); !os.IsNotExist(fileErr) {
					t.Errorf("File %s should not exist on error, but it does", filePath)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
			if n != int64(len("test content")) {
				t.Errorf("Expected %d bytes, got %d", len("test content"), n)
			}
			content, readErr := os.ReadFile(filePath)
			if readErr != nil {
				t.Fatalf("Failed to read downloaded file: %v", readErr)
			}
			if string(content) != "test content" {
				t.Errorf("Downloaded content mismatch: got \"%s\", want \"test content\"", string(content))
			}
		})
	}
}

func TestHuggingFaceSource_DownloadModel(t *testing.T) {
	tests := []struct {
		name           string
		modelID        string
		file           string
		apiHandler     http.HandlerFunc
		cdnHandler     http.HandlerFunc
		expectedModel  string
		expectedData   []string
		expectedConfig []string
		expectedError  string
	}{
		{
			name:    "Successful download of ONNX, external data and config",
			modelID: "test-org/test-model",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				if _, err := fmt.Fprint(w, `{"modelId": "test-org/test-model","siblings": [{"rfilename": "onnx/model.onnx"},{"rfilename": "onnx/model.onnx_data"},{"rfilename": "other/weights.onnx_data"},{"rfilename": "config.json"},{"rfilename": "README.md"}]}`); err != nil {
					t.Errorf("Error writing to response writer: %v", err)
				}
			},
			cdnHandler: func(w http.ResponseWriter, r *http.Request) {
				switch {
				case strings.HasSuffix(r.URL.Path, "/resolve/main/onnx/model.onnx"):
					fmt.Fprint(w, "onnx model content")
				case strings.HasSuffix(r.URL.Path, "/resolve/main/onnx/model.onnx_data"):
					fmt.Fprint(w, "tensor data")
				case strings.HasSuffix(r.URL.Path, "/resolve/main/config.json"):
					fmt.Fprint(w, "config content")
				default:
					http.Error(w, "Not Found", http.StatusNotFound)
				}
			},
			expectedModel:  "onnx/model.onnx",
			expectedData:   []string{"onnx/model.onnx_data"},
			expectedConfig: []string{"config.json"},
		},
		{
			name:    "Selected model file",
			modelID: "test-org/variants",
			file:    "model_fp16.onnx",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"modelId": "test-org/variants","siblings": [{"rfilename": "model.onnx"},{"rfilename": "model_fp16.onnx"}]}`)
			},
			cdnHandler: func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "model_fp16.onnx") {
					fmt.Fprint(w, "half model")
					return
				}
				http.Error(w, "Not Found", http.StatusNotFound)
			},
			expectedModel: "model_fp16.onnx",
		},
		{
			name:    "Model not found on HuggingFace API",
			modelID: "nonexistent/model",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Not Found", http.StatusNotFound)
			},
			expectedError: "HuggingFace API returned non-OK status: 404 Not Found",
		},
		{
			name:    "No ONNX model in repository",
			modelID: "test-org/no-onnx",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"modelId": "test-org/no-onnx","siblings": [{"rfilename": "tokenizer.json"}]}`)
			},
			expectedError: "no ONNX model found for model ID: test-org/no-onnx",
		},
		{
			name:    "CDN download failure",
			modelID: "test-org/cdn-fail",
			apiHandler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"modelId": "test-org/cdn-fail","siblings": [{"rfilename": "model.onnx"}]}`)
			},
			cdnHandler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			},
			expectedError: "failed to download ONNX model model.onnx: failed to download file from", // Partial match
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			apiServer := httptest.NewServer(tt.apiHandler)
			defer apiServer.Close()

			cdnHandler := tt.cdnHandler
			if cdnHandler == nil {
				cdnHandler = func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "Not Found", http.StatusNotFound)
				}
			}
			cdnServer := httptest.NewServer(cdnHandler)
			defer cdnServer.Close()

			logger, _ := test.NewNullLogger()
			hfSource := NewHuggingFaceSource(
				WithEndpoints(apiServer.URL+"/", cdnServer.URL+"/"),
				WithFile(tt.file),
				WithLogger(logger),
			)
			result, err := hfSource.DownloadModel(context.Background(), tt.modelID, tempDir)

			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("Expected error containing \"%s\", got \"%v\"", tt.expectedError, err)
				}
				if result != nil {
					t.Errorf("Expected nil result on error, got %v", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, but got: %v", err)
			}

			expectedModelPath := filepath.Join(tempDir, filepath.FromSlash(tt.expectedModel))
			if result.ModelPath != expectedModelPath {
				t.Errorf("Expected ModelPath %s, got %s", expectedModelPath, result.ModelPath)
			}
			if _, err := os.Stat(result.ModelPath); os.IsNotExist(err) {
				t.Errorf("Downloaded model file does not exist: %s", result.ModelPath)
			}
			checkPaths(t, tempDir, "data", tt.expectedData, result.DataPaths)
			checkPaths(t, tempDir, "config", tt.expectedConfig, result.ConfigPaths)
		})
	}
}

func checkPaths(t *testing.T, dir, kind string, want, got []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("Expected %d %s paths, got %d", len(want), kind, len(got))
		return
	}
	for i, w := range want {
		expected := filepath.Join(dir, filepath.FromSlash(w))
		if got[i] != expected {
			t.Errorf("Expected %s path %s, got %s", kind, expected, got[i])
		}
		if _, err := os.Stat(got[i]); os.IsNotExist(err) {
			t.Errorf("Downloaded %s file does not exist: %s", kind, got[i])
		}
	}
}

func TestHuggingFaceSource_SendsToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	hfSource := NewHuggingFaceSource(WithEndpoints(server.URL+"/", server.URL+"/"), WithToken("secret"), WithLogger(logger))
	if _, err := hfSource.DownloadModel(context.Background(), "org/private", t.TempDir()); err == nil {
		t.Error("Expected an error for an unauthorized request")
	}
	if auth != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", auth)
	}
}

func TestHuggingFaceSource_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger, _ := test.NewNullLogger()
	hfSource := NewHuggingFaceSource(WithEndpoints(server.URL+"/", server.URL+"/"), WithLogger(logger))
	if _, err := hfSource.DownloadModel(ctx, "org/model", t.TempDir()); err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}
