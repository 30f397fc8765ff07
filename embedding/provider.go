// Package embedding 提供查询/文档向量化的统一接口与 HTTP 实现。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foodsafe/knowbase/types"
)

// Provider 向量化提供者。实现必须可注入、可在测试中替换。
type Provider interface {
	// Embed 向量化单段文本。
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions 返回向量维度。
	Dimensions() int
}

// Config HTTP 向量化提供者配置。
type Config struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	APIKey     string        `json:"api_key" yaml:"api_key"`
	Model      string        `json:"model" yaml:"model"`
	Dimensions int           `json:"dimensions" yaml:"dimensions"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// HTTPProvider 调用 OpenAI 兼容 /v1/embeddings 端点的提供者。
type HTTPProvider struct {
	cfg    Config
	client *http.Client
}

// NewHTTPProvider 创建 HTTP 向量化提供者。
func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Dimensions() int { return p.cfg.Dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed 向量化单段文本。
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, _ := json.Marshal(embedRequest{Model: p.cfg.Model, Input: []string{text}})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/embeddings",
		bytes.NewReader(payload))
	if err != nil {
		return nil, types.Wrap(types.ErrEncoding, "build embedding request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.ErrEncoding, "embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrEncoding,
			fmt.Sprintf("embedding service status=%d body=%s", resp.StatusCode, string(body)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.Wrap(types.ErrEncoding, "decode embedding response", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, types.NewError(types.ErrEncoding, "no embeddings returned")
	}
	return out.Data[0].Embedding, nil
}
