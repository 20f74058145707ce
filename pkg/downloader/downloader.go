// Package downloader fetches ONNX models, with their external tensor data,
// from the HuggingFace Hub.
package downloader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultAPI = "https://huggingface.co/api/models/"
	defaultCDN = "https://huggingface.co/" // Base URL for direct file downloads
)

// ModelSource downloads a model and the files it needs into a local
// directory.
type ModelSource interface {
	DownloadModel(ctx context.Context, modelID, destination string) (*DownloadResult, error)
}

// DownloadResult lists the downloaded files. DataPaths hold external tensor
// data, laid out relative to ModelPath as the model expects.
type DownloadResult struct {
	ModelPath   string
	DataPaths   []string
	ConfigPaths []string
}

// Downloader handles the overall download process using a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader creates a new Downloader with the given ModelSource.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches modelID into destination.
func (d *Downloader) Download(ctx context.Context, modelID, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(ctx, modelID, destination)
}

// HuggingFaceSource implements ModelSource for the HuggingFace Hub.
type HuggingFaceSource struct {
	client   *http.Client
	apiURL   string
	cdnURL   string
	token    string
	revision string
	file     string
	log      logrus.FieldLogger
}

// Option configures a HuggingFaceSource.
type Option func(*HuggingFaceSource)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HuggingFaceSource) { h.client = c }
}

// WithEndpoints overrides the API and file download base URLs. Both must end
// with a slash.
func WithEndpoints(api, cdn string) Option {
	return func(h *HuggingFaceSource) { h.apiURL, h.cdnURL = api, cdn }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(h *HuggingFaceSource) { h.token = token }
}

// WithRevision selects a branch, tag or commit. The default is main.
func WithRevision(rev string) Option {
	return func(h *HuggingFaceSource) { h.revision = rev }
}

// WithFile selects the model file of a repository holding several.
func WithFile(name string) Option {
	return func(h *HuggingFaceSource) { h.file = name }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *HuggingFaceSource) { h.log = l }
}

// NewHuggingFaceSource creates a HuggingFaceSource. HUGGINGFACE_API_URL and
// HUGGINGFACE_CDN_URL override the endpoints and HF_TOKEN supplies a token.
func NewHuggingFaceSource(opts ...Option) *HuggingFaceSource {
	h := &HuggingFaceSource{
		client:   &http.Client{},
		apiURL:   defaultAPI,
		cdnURL:   defaultCDN,
		token:    os.Getenv("HF_TOKEN"),
		revision: "main",
		log:      logrus.StandardLogger(),
	}
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		h.apiURL = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		h.cdnURL = cdnURL
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HuggingFaceModelInfo is the part of the model API response we use.
type HuggingFaceModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"` // Relative path of the file
	} `json:"siblings"`
}

// isExternalData reports whether a repository file looks like tensor data
// stored outside an ONNX file.
func isExternalData(rPath string) bool {
	ext := strings.ToLower(path.Ext(rPath))
	return ext == ".onnx_data" || ext == ".data" || strings.HasSuffix(rPath, ".onnx.data")
}

func (h *HuggingFaceSource) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", u)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

func (h *HuggingFaceSource) modelInfo(ctx context.Context, modelID string) (*HuggingFaceModelInfo, error) {
	apiURL := h.apiURL + modelID
	req, err := h.newRequest(ctx, apiURL)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch model info from HuggingFace API")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HuggingFace API returned non-OK status: %s", resp.Status)
	}
	var info HuggingFaceModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrap(err, "failed to decode HuggingFace API response")
	}
	return &info, nil
}

// DownloadModel downloads the model of modelID, its external data files and
// its JSON configuration files. Repository paths are kept below destination.
func (h *HuggingFaceSource) DownloadModel(ctx context.Context, modelID, destination string) (*DownloadResult, error) {
	log := h.log.WithField("model", modelID)
	info, err := h.modelInfo(ctx, modelID)
	if err != nil {
		return nil, err
	}

	var model string
	var data, configs []string
	for _, sibling := range info.Siblings {
		rPath := sibling.RPath
		switch {
		case strings.HasSuffix(rPath, ".onnx"):
			if model == "" && (h.file == "" || rPath == h.file || path.Base(rPath) == h.file) {
				model = rPath
			}
		case isExternalData(rPath):
			data = append(data, rPath)
		case strings.HasSuffix(rPath, ".json"):
			configs = append(configs, rPath)
		}
	}
	if model == "" {
		return nil, errors.Errorf("no ONNX model found for model ID: %s", modelID)
	}

	result := &DownloadResult{}
	result.ModelPath, err = h.fetch(ctx, log, modelID, model, destination)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download ONNX model %s", model)
	}
	modelDir := path.Dir(model)
	for _, rPath := range data {
		// Only data stored next to the chosen model can belong to it.
		if path.Dir(rPath) != modelDir {
			continue
		}
		p, err := h.fetch(ctx, log, modelID, rPath, destination)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download external data %s", rPath)
		}
		result.DataPaths = append(result.DataPaths, p)
	}
	for _, rPath := range configs {
		p, err := h.fetch(ctx, log, modelID, rPath, destination)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download config file %s", rPath)
		}
		result.ConfigPaths = append(result.ConfigPaths, p)
	}
	return result, nil
}

func (h *HuggingFaceSource) fetch(ctx context.Context, log logrus.FieldLogger, modelID, rPath, destination string) (string, error) {
	local := filepath.Join(destination, filepath.FromSlash(rPath))
	downloadURL := h.cdnURL + modelID + "/resolve/" + url.PathEscape(h.revision) + "/" + rPath
	downloadURL = strings.ReplaceAll(downloadURL, "//resolve/", "/resolve/")

	req, err := h.newRequest(ctx, downloadURL)
	if err != nil {
		return "", err
	}
	n, err := downloadFile(h.client, req, local)
	if err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{"file": rPath, "bytes": n}).Info("Downloaded file")
	return local, nil
}

// downloadFile writes the response body of req to filePath. The file only
// appears once the body has been read completely.
func downloadFile(client *http.Client, req *http.Request, filePath string) (int64, error) {
	src := req.URL.String()
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory %s", dir)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to download file from %s", src)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed to download file from %s: status code %s", src, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.part")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create file %s", filePath)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, errors.Wrapf(err, "failed to write file %s", filePath)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, errors.Wrapf(err, "failed to move download into place at %s", filePath)
	}
	return n, nil
}
