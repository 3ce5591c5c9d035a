package election

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
)

// ReadyCache remembers replicas whose data finished syncing
type ReadyCache interface {
	IsReady(id string) bool
	MarkReady(id string)
}

// SyncChecker asks the storage sync daemon whether a folder is in sync
type SyncChecker interface {
	FolderReady(ctx context.Context, folder string) (bool, error)
}

// Syncthing checks folder state through the syncthing REST API. The
// getter is expected to carry the API key.
type Syncthing struct {
	baseURL string
	getter  Getter
}

// NewSyncthing creates a checker for the daemon at baseURL, like
// http://127.0.0.1:8384
func NewSyncthing(baseURL string, getter Getter) *Syncthing {
	return &Syncthing{baseURL: baseURL, getter: getter}
}

// FolderReady reports whether nothing is left to pull into the folder, or
// whether the folder already runs in send-receive mode
func (s *Syncthing) FolderReady(ctx context.Context, folder string) (bool, error) {
	q := url.QueryEscape(folder)

	status, err := s.getter.Get(ctx, s.baseURL+"/rest/db/status?folder="+q)
	if err != nil {
		return false, fmt.Errorf("failed to get folder status: %w", err)
	}
	doc := gjson.ParseBytes(status)
	if doc.Get("state").String() == "idle" && doc.Get("needTotalItems").Exists() && doc.Get("needTotalItems").Int() == 0 {
		return true, nil
	}

	config, err := s.getter.Get(ctx, s.baseURL+"/rest/config/folders/"+url.PathEscape(folder))
	if err != nil {
		return false, fmt.Errorf("failed to get folder config: %w", err)
	}
	return gjson.GetBytes(config, "type").String() == "sendreceive", nil
}
