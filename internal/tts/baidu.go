package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/config"
)

const (
	tokenURL      = "https://aip.baidubce.com/oauth/2.0/token"
	synthesizeURL = "https://tsn.baidu.com/text2audio"
)

// BaiduTTS 百度语音合成客户端
type BaiduTTS struct {
	cfg    *config.TTSConfig
	client *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpire time.Time
}

// NewBaiduTTS 创建百度TTS客户端
func NewBaiduTTS(cfg *config.TTSConfig) *BaiduTTS {
	return &BaiduTTS{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// getToken 获取访问令牌，过期前复用缓存
func (t *BaiduTTS) getToken(ctx context.Context) (string, error) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.tokenExpire) {
		return t.accessToken, nil
	}

	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", t.cfg.APIKey)
	params.Set("client_secret", t.cfg.SecretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("获取令牌失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.Error != "" {
		return "", fmt.Errorf("获取令牌失败: %s (%s)", result.Error, result.ErrorDesc)
	}

	t.accessToken = result.AccessToken
	// 提前十分钟刷新
	t.tokenExpire = time.Now().Add(time.Duration(result.ExpiresIn-600) * time.Second)
	return t.accessToken, nil
}

// Synthesize 合成语音，返回音频数据
func (t *BaiduTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	token, err := t.getToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("tex", text)
	params.Set("tok", token)
	params.Set("cuid", "pallas-bot")
	params.Set("ctp", "1")
	params.Set("lan", "zh")
	params.Set("per", strconv.Itoa(t.cfg.Speaker))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, synthesizeURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("语音合成请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// 合成失败时返回 JSON 错误体，成功时直接返回音频流
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var apiErr struct {
			ErrNo  int    `json:"err_no"`
			ErrMsg string `json:"err_msg"`
		}
		if err := sonic.Unmarshal(body, &apiErr); err == nil {
			zap.L().Warn("语音合成失败",
				zap.Int("err_no", apiErr.ErrNo),
				zap.String("err_msg", apiErr.ErrMsg))
			return nil, fmt.Errorf("语音合成失败[%d]: %s", apiErr.ErrNo, apiErr.ErrMsg)
		}
		return nil, fmt.Errorf("语音合成失败: %s", string(body))
	}

	return body, nil
}
