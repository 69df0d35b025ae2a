package pushclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tasky-app/tasky/internal/contracts"
)

// RESTClient reads a user's notifications from the notification service.
type RESTClient struct {
	BaseURL  string
	PageSize int
	HTTP     *http.Client
}

func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		PageSize: 50,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *RESTClient) List(ctx context.Context, userID string) (contracts.NotificationPage, error) {
	var page contracts.NotificationPage
	q := url.Values{"page": {"1"}, "pageSize": {strconv.Itoa(r.PageSize)}}
	err := r.get(ctx, "/notification/"+url.PathEscape(userID)+"?"+q.Encode(), &page)
	return page, err
}

func (r *RESTClient) UnreadCount(ctx context.Context, userID string) (int, error) {
	var body contracts.UnreadCount
	err := r.get(ctx, "/notification/"+url.PathEscape(userID)+"/unread-count", &body)
	return body.Count, err
}

func (r *RESTClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
