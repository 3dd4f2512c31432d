package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/parser"
)

const DefaultEndpoint = "https://api.ocr.space/parse/image"

var (
	ErrNoAPIKey = errors.New("ocr: api key is not set")
	ErrNoText   = errors.New("ocr: no text found")
)

type Config struct {
	APIKey   string `yaml:"api_key" env:"OCR_API_KEY"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Client — клиент OCR.space для капчи: картинка по URL → 6 символов.
type Client struct {
	http     *http.Client
	apiKey   string
	endpoint string
	log      *zap.Logger

	mu      sync.Mutex
	solving bool
	answers []string // распознанные коды, последний — в конце
}

type response struct {
	OCRExitCode           int      `json:"OCRExitCode"`
	IsErroredOnProcessing bool     `json:"IsErroredOnProcessing"`
	ErrorMessage          []string `json:"ErrorMessage"`
	ParsedResults         []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
}

// Создает клиент OCR.space (задаем через файл конфигурации)
func NewClientFromConf(conf Config, log *zap.Logger) *Client {
	endpoint := conf.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http:     &http.Client{Timeout: 20 * time.Second},
		apiKey:   conf.APIKey,
		endpoint: endpoint,
		log:      log,
	}
}

func (c *Client) Enabled() bool { return c.apiKey != "" }

// Solve отправляет картинку на распознавание. Результат — ровно 6 букв/цифр.
func (c *Client) Solve(ctx context.Context, imageURL string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}
	c.mu.Lock()
	if c.solving {
		c.mu.Unlock()
		return "", errors.New("ocr: already solving")
	}
	c.solving = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.solving = false
		c.mu.Unlock()
	}()

	c.log.Info("solving captcha", zap.String("url", imageURL))
	text, err := c.fetchText(ctx, imageURL)
	if err != nil {
		return "", err
	}
	code, ok := parser.NormalizeCaptchaCode(text)
	if !ok {
		return "", fmt.Errorf("ocr: invalid captcha length %d (%q)", len(code), code)
	}

	c.mu.Lock()
	c.answers = append(c.answers, code)
	c.mu.Unlock()
	c.log.Info("captcha solved", zap.String("code", code))
	return code, nil
}

// Answers — коды, распознанные с последнего Reset.
func (c *Client) Answers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.answers...)
}

func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = nil
}

func (c *Client) fetchText(ctx context.Context, imageURL string) (string, error) {
	form := url.Values{
		"apikey":            {c.apiKey},
		"url":               {imageURL},
		"language":          {"eng"},
		"isOverlayRequired": {"false"},
		"detectOrientation": {"true"},
		"scale":             {"true"},
		"OCREngine":         {"2"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("ocr api error: %s", resp.Status)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("ocr decode: %w", err)
	}
	if r.OCRExitCode != 1 {
		return "", fmt.Errorf("ocr exit code %d: %s", r.OCRExitCode, strings.Join(r.ErrorMessage, "; "))
	}
	if len(r.ParsedResults) == 0 || strings.TrimSpace(r.ParsedResults[0].ParsedText) == "" {
		return "", ErrNoText
	}
	return r.ParsedResults[0].ParsedText, nil
}
