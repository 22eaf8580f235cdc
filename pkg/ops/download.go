package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/pkg/constants"
)

// progressInterval is how often download progress is logged
var progressInterval = 2 * time.Second

// Download fetches url into the dst file, creating its parent dir.
// A partial file is removed on failure or cancellation.
func Download(ctx context.Context, url, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), constants.DirPerm); err != nil {
		return "", err
	}

	client := grab.NewClient()
	// https://github.com/cavaliergopher/grab/issues/104
	client.UserAgent = constants.UserAgent
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return "", fmt.Errorf("invalid download request for %s: %w", url, err)
	}
	req = req.WithContext(ctx)

	internal.Log.Logger.Info().Str("url", url).Str("dst", dst).Msg("Downloading")
	resp := client.Do(req)
	if resp.HTTPResponse != nil {
		internal.Log.Logger.Debug().Str("url", url).Str("status", resp.HTTPResponse.Status).Msg("Server replied")
	}

	t := time.NewTicker(progressInterval)
	defer t.Stop()
Loop:
	for {
		select {
		case <-t.C:
			internal.Log.Logger.Info().
				Str("url", url).
				Int64("transferred", resp.BytesComplete()).
				Int64("size", resp.Size()).
				Str("progress", fmt.Sprintf("%.2f%%", 100*resp.Progress())).
				Msg("Download progress")
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		if resp.Filename != "" {
			_ = os.RemoveAll(resp.Filename)
		}
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}

	internal.Log.Logger.Info().Str("file", resp.Filename).Int64("bytes", resp.BytesComplete()).Msg("Download complete")
	return resp.Filename, nil
}
