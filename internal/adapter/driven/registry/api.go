package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// apiClient performs JSON calls against one registry's management API.
type apiClient struct {
	registry  string
	http      *http.Client
	retry     retrier
	authorize func(*http.Request)
}

// call sends in as a JSON body (when non-nil) and decodes a 2xx response into
// out (when non-nil). Non-2xx responses become *Error values.
func (c *apiClient) call(ctx context.Context, op, method, url string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return &Error{Registry: c.registry, Op: op, Kind: model.ErrAdapterRejected, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	return c.retry.do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return &Error{Registry: c.registry, Op: op, Kind: model.ErrAdapterRejected, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authorize != nil {
			c.authorize(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &Error{Registry: c.registry, Op: op, Kind: model.ErrAdapterUnavailable, Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorMessageLen))
			return &Error{
				Registry:   c.registry,
				Op:         op,
				StatusCode: resp.StatusCode,
				Kind:       kindForStatus(resp.StatusCode),
				Message:    truncateMessage(msg),
			}
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Registry: c.registry, Op: op, StatusCode: resp.StatusCode, Kind: model.ErrAdapterRejected, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

// accountResponse is the account shape both registry APIs return.
type accountResponse struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Token    string `json:"token"`
	Deleted  bool   `json:"deleted"`
}

func (a accountResponse) account() model.ExternalAccount {
	name := a.Username
	if name == "" {
		name = a.Name
	}
	return model.ExternalAccount{Name: name, Token: model.Secret(a.Token)}
}
