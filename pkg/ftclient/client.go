package ftclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"finetune-backend/pkg/config"

	"github.com/rs/zerolog"
)

// 训练后端侧的任务状态判定结果
var (
	// ErrJobEnded 后端任务已结束或不存在
	ErrJobEnded = errors.New("remote job already ended")
	// ErrJobNotReady 后端任务尚未就绪
	ErrJobNotReady = errors.New("remote job still initializing")
)

// TransportError 网络层失败（超时、连接拒绝等），调用方可重试
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("finetune backend unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError 后端返回的结构化错误
type BackendError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("finetune backend error (http %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Client 训练后端协议客户端
type Client struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
	jobGone  []config.StatusCodePair
}

// New 创建训练后端客户端
func New(cfg *config.ServerConfig, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: cfg.Finetune.Endpoint,
		client:   &http.Client{Timeout: cfg.Finetune.RequestTimeout.Std()},
		logger:   logger.With().Str("component", "ftclient").Logger(),
		jobGone:  cfg.Finetune.JobGoneCodes,
	}
}

// SubmitRequest 提交微调任务的请求体
type SubmitRequest struct {
	Name           string          `json:"name"`
	BaseModelKey   string          `json:"base_model_key"`
	Datasets       json.RawMessage `json:"datasets,omitempty"`
	FinetuneConfig json.RawMessage `json:"finetune_config,omitempty"`
	FinetuningType string          `json:"finetuning_type,omitempty"`
	NumGPUs        int             `json:"num_gpus"`
}

// PauseResult 暂停调用的返回内容
type PauseResult struct {
	Status         string   `json:"status"`
	CheckpointPath string   `json:"checkpoint_path"`
	Cost           *float64 `json:"cost"`
}

// errorBody 后端错误响应体
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (b *errorBody) text() string {
	if b.Message != "" {
		return b.Message
	}
	if b.Detail != "" {
		return b.Detail
	}
	return "unknown error"
}

// jobGoneCode 判断(HTTP状态码, 业务错误码)组合是否表示任务不存在
func (c *Client) jobGoneCode(httpStatus, code int) bool {
	for _, pair := range c.jobGone {
		if pair.HTTPStatus == httpStatus && pair.Code == code {
			return true
		}
	}
	return false
}

// do 执行HTTP调用，网络失败包装为TransportError
func (c *Client) do(ctx context.Context, method, url string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("Backend call finished")

	return resp.StatusCode, data, nil
}

// backendError 解析非200响应为结构化错误
func backendError(status int, data []byte) *BackendError {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		msg := string(data)
		if len(msg) > 100 {
			msg = msg[:100]
		}
		return &BackendError{StatusCode: status, Message: msg}
	}
	return &BackendError{StatusCode: status, Code: body.Code, Message: body.text()}
}

// Submit 提交微调任务，返回后端分配的job_id
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	url := c.endpoint + "/v1/finetuneTasks"
	status, data, err := c.do(ctx, http.MethodPost, url, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", backendError(status, data)
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parsing submit response: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("submit response missing job_id")
	}
	return resp.JobID, nil
}

// Status 查询后端任务状态，任务不存在时返回ErrJobEnded
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	url := c.endpoint + "/v1/finetuneTasks/" + jobID
	status, data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrJobEnded
	}
	if status != http.StatusOK {
		berr := backendError(status, data)
		if c.jobGoneCode(status, berr.Code) {
			return "", ErrJobEnded
		}
		return "", berr
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parsing status response: %w", err)
	}
	return resp.Status, nil
}

// Pause 暂停后端任务。404和配置的"任务不存在"错误码组合
// 都视为已暂停（幂等），checkpoint为空
func (c *Client) Pause(ctx context.Context, jobID, taskName string) (*PauseResult, error) {
	url := c.endpoint + "/v1/finetuneTasks/" + jobID + ":pause"
	status, data, err := c.do(ctx, http.MethodPost, url, map[string]string{"name": taskName})
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK {
		var result PauseResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("parsing pause response: %w", err)
		}
		return &result, nil
	}

	if status == http.StatusNotFound {
		// 后端已经没有这个任务，当作暂停成功，checkpoint为空
		c.logger.Info().Str("job_id", jobID).Msg("Backend job gone on pause, treating as success")
		return &PauseResult{Status: "Suspended"}, nil
	}

	berr := backendError(status, data)
	if c.jobGoneCode(status, berr.Code) {
		c.logger.Info().
			Str("job_id", jobID).
			Int("http_status", status).
			Int("code", berr.Code).
			Msg("Backend job gone on pause, treating as success")
		return &PauseResult{Status: "Suspended"}, nil
	}

	return nil, berr
}

// Resume 恢复后端任务，可携带checkpoint路径
func (c *Client) Resume(ctx context.Context, jobID, taskName, checkpointPath string) error {
	url := c.endpoint + "/v1/finetuneTasks/" + jobID + ":resume"
	body := map[string]string{"name": taskName}
	if checkpointPath != "" {
		body["checkpoint_path"] = checkpointPath
	}

	status, data, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusNotFound {
		return ErrJobEnded
	}
	return backendError(status, data)
}

// RunningMetrics 获取后端任务的运行指标
func (c *Client) RunningMetrics(ctx context.Context, jobID string) (json.RawMessage, error) {
	url := c.endpoint + "/v1/finetuneTasks/" + jobID + "/runningMetrics"
	status, data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, backendError(status, data)
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing metrics response: %w", err)
	}
	return resp.Data, nil
}

// Delete 删除后端任务。404以及配置的"任务不存在"错误码组合均视为成功
func (c *Client) Delete(ctx context.Context, jobID string) error {
	url := c.endpoint + "/v1/finetuneTasks/" + jobID
	status, data, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK || status == http.StatusNotFound {
		return nil
	}

	berr := backendError(status, data)
	if c.jobGoneCode(status, berr.Code) {
		return nil
	}
	return berr
}
