package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/apigw/pkg/httpclient"
)

// RemoteStore はIdentityサービスにHTTPで問い合わせる Store 実装。
type RemoteStore struct {
	// client はIdentityサービス向けのHTTPクライアント。
	client *httpclient.Client
}

// NewRemoteStore は RemoteStore を生成する。
func NewRemoteStore(client *httpclient.Client) *RemoteStore {
	return &RemoteStore{client: client}
}

// apiKeyLookupRequest はAPIキー照会のリクエストボディ。
type apiKeyLookupRequest struct {
	APIKey string `json:"apiKey"`
}

// FindByID はIDでIdentityを取得する。
func (s *RemoteStore) FindByID(ctx context.Context, id string) (*Identity, error) {
	var out Identity
	if err := s.client.GetJSON(ctx, "/internal/identities/"+httpclient.PathEscape(id), &out); err != nil {
		return nil, translateRemoteError(err)
	}
	return &out, nil
}

// FindActiveByAPIKey はAPIキーでアクティブなIdentityを取得する。
// APIキーはURLに載せずボディで送る。
func (s *RemoteStore) FindActiveByAPIKey(ctx context.Context, apiKey string) (*Identity, error) {
	var out Identity
	if err := s.client.PostJSON(ctx, "/internal/identities/lookup", apiKeyLookupRequest{APIKey: apiKey}, &out); err != nil {
		return nil, translateRemoteError(err)
	}
	if !out.IsActive {
		return nil, ErrNotFound
	}
	return &out, nil
}

func translateRemoteError(err error) error {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("identityサービスへの問い合わせに失敗: %w", err)
}
