package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/proto"
)

// FileCookieSource reads authentication cookies from a JSON file of DevTools
// cookie params. The file is produced by the external collaborator that owns
// cookie extraction; a missing file means no cookies to apply.
type FileCookieSource string

func (p FileCookieSource) Cookies(ctx context.Context) ([]*proto.NetworkCookieParam, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var cookies []*proto.NetworkCookieParam
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("parse cookie file: %w", err)
	}
	return cookies, nil
}
