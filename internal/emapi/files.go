package emapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dphi-space/emctl/internal/volume"
)

// deleteRequest is the JSON body of em/files/delete.
type deleteRequest struct {
	FilePath string `json:"filepath"`
	PodName  string `json:"pod_name"`
}

// ListFiles returns the files stored in a volume. Only metadata is returned.
func (c *Client) ListFiles(ctx context.Context, vol volume.ID) ([]RemoteFile, error) {
	c.logger.Info("listing files", slog.String("pod_name", vol.Name()))

	p, err := c.doPayload(ctx, http.MethodGet, pathFilesList, volumeQuery(vol.Name()), nil)
	if err != nil {
		return nil, err
	}

	files, err := decodeFileList(p)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("listed files",
		slog.String("pod_name", vol.Name()),
		slog.Int("count", len(files)),
	)

	return files, nil
}

// decodeFileList accepts a bare JSON array or an object with a "files" array.
func decodeFileList(p Payload) ([]RemoteFile, error) {
	if len(p) == 0 {
		return []RemoteFile{}, nil
	}

	var files []RemoteFile
	if err := json.Unmarshal(p, &files); err == nil {
		if files == nil {
			files = []RemoteFile{}
		}

		return files, nil
	}

	var wrapped struct {
		Files []RemoteFile `json:"files"`
	}
	if err := json.Unmarshal(p, &wrapped); err != nil {
		return nil, fmt.Errorf("emapi: decoding file list: %w", err)
	}

	if wrapped.Files == nil {
		wrapped.Files = []RemoteFile{}
	}

	return wrapped.Files, nil
}

// Delete removes a file or folder (recursively) from a volume. A path that
// does not exist in the targeted volume is reported by the gateway as an
// error; it is never treated as success.
func (c *Client) Delete(ctx context.Context, remotePath string, vol volume.ID) (Payload, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("%w: delete requires a remote path", ErrInvalidRequest)
	}

	c.logger.Info("deleting remote path",
		slog.String("path", remotePath),
		slog.String("pod_name", vol.Name()),
	)

	body, err := jsonBody(deleteRequest{FilePath: remotePath, PodName: vol.Name()})
	if err != nil {
		return nil, err
	}

	return c.doPayload(ctx, http.MethodPost, pathFilesDelete, nil, body)
}
