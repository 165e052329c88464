// Package nakama реализует клиент бэкенда Nakama: REST API (аутентификация, RPC, хранилище)
// и realtime-сокет, удовлетворяющий realtime.Transport.
package nakama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
)

// Права доступа к объектам хранилища
const (
	PermissionNone       = 0
	PermissionOwnerRead  = 1
	PermissionPublicRead = 2

	PermissionNoWrite    = 0
	PermissionOwnerWrite = 1
)

const defaultHTTPTimeout = 30 * time.Second

var ErrUnauthenticated = errors.New("nakama: session is not valid")

// APIError: ошибка, возвращённая REST API
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nakama: http %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Config: параметры подключения к серверу
type Config struct {
	Host       string
	Port       int
	ServerKey  string
	UseSSL     bool
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client: REST-клиент Nakama
type Client struct {
	baseURL   string
	serverKey string
	http      *http.Client
	logger    *logging.Logger
}

// NewClient создаёт клиента. Без HTTPClient используется клиент с трассировкой запросов.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetComponentLogger("nakama")
	}
	return &Client{
		baseURL:   baseURL(cfg.Host, cfg.Port, cfg.UseSSL, "http"),
		serverKey: cfg.ServerKey,
		http:      httpClient,
		logger:    cfg.Logger,
	}
}

// NewClientURL создаёт клиента для готового базового адреса (например, httptest-сервера)
func NewClientURL(rawURL, serverKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:   rawURL,
		serverKey: serverKey,
		http:      httpClient,
		logger:    logging.GetComponentLogger("nakama"),
	}
}

// BaseURL возвращает адрес REST API
func (c *Client) BaseURL() string { return c.baseURL }

func baseURL(host string, port int, useSSL bool, scheme string) string {
	if useSSL {
		scheme += "s"
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port)
}

type sessionResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	Created      bool   `json:"created"`
}

// AuthenticateDevice аутентифицирует устройство; create разрешает создать аккаунт
func (c *Client) AuthenticateDevice(ctx context.Context, deviceID, username string, create bool) (*auth.Session, error) {
	if deviceID == "" {
		return nil, errors.New("nakama: device id is required")
	}

	q := url.Values{}
	q.Set("create", strconv.FormatBool(create))
	if username != "" {
		q.Set("username", username)
	}
	body := map[string]string{"id": deviceID}

	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/v2/account/authenticate/device?"+q.Encode(), body, func(r *http.Request) {
		r.SetBasicAuth(c.serverKey, "")
	}, &resp)
	if err != nil {
		return nil, err
	}

	session, err := auth.ParseSession(resp.Token, resp.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("nakama: %w", err)
	}
	c.logger.Info("🔑 Аутентификация устройства: user=%s created=%v", session.UserID, resp.Created)
	return session, nil
}

type rpcEnvelope struct {
	ID      string `json:"id,omitempty"`
	Payload string `json:"payload"`
}

// RPC вызывает серверную функцию id. payload передаётся как JSON-строка,
// ответ возвращается в том же виде.
func (c *Client) RPC(ctx context.Context, session *auth.Session, id, payload string) (string, error) {
	if !session.Valid() {
		return "", ErrUnauthenticated
	}

	var resp rpcEnvelope
	err := c.do(ctx, http.MethodPost, "/v2/rpc/"+url.PathEscape(id), payload, bearer(session), &resp)
	if err != nil {
		return "", err
	}
	return resp.Payload, nil
}

// StorageObject: объект для записи в хранилище. Value сериализуется в JSON.
type StorageObject struct {
	Collection      string
	Key             string
	Value           interface{}
	Version         string
	PermissionRead  int
	PermissionWrite int
}

// StorageAck: подтверждение записи объекта
type StorageAck struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Version    string `json:"version"`
	UserID     string `json:"user_id"`
}

type writeStorageObject struct {
	Collection      string `json:"collection"`
	Key             string `json:"key"`
	Value           string `json:"value"`
	Version         string `json:"version,omitempty"`
	PermissionRead  int    `json:"permission_read"`
	PermissionWrite int    `json:"permission_write"`
}

// WriteStorageObjects записывает объекты в хранилище от имени пользователя сессии
func (c *Client) WriteStorageObjects(ctx context.Context, session *auth.Session, objects []StorageObject) ([]StorageAck, error) {
	if !session.Valid() {
		return nil, ErrUnauthenticated
	}

	req := struct {
		Objects []writeStorageObject `json:"objects"`
	}{Objects: make([]writeStorageObject, 0, len(objects))}
	for _, o := range objects {
		value, err := json.Marshal(o.Value)
		if err != nil {
			return nil, fmt.Errorf("nakama: encode %s/%s: %w", o.Collection, o.Key, err)
		}
		req.Objects = append(req.Objects, writeStorageObject{
			Collection:      o.Collection,
			Key:             o.Key,
			Value:           string(value),
			Version:         o.Version,
			PermissionRead:  o.PermissionRead,
			PermissionWrite: o.PermissionWrite,
		})
	}

	var resp struct {
		Acks []StorageAck `json:"acks"`
	}
	if err := c.do(ctx, http.MethodPut, "/v2/storage", req, bearer(session), &resp); err != nil {
		return nil, err
	}
	return resp.Acks, nil
}

func bearer(session *auth.Session) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+session.Token)
	}
}

// do выполняет JSON-запрос и декодирует ответ в out
func (c *Client) do(ctx context.Context, method, path string, in interface{}, authorize func(*http.Request), out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("nakama: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("nakama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authorize != nil {
		authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nakama: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("nakama: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("Запрос %s %s отклонён: %v", method, path, apiErr)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("nakama: decode response: %w", err)
	}
	return nil
}
