package emapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dphi-space/emctl/internal/volume"
)

// defaultBuildContext is the build context when ImageBuild.Context is empty.
const defaultBuildContext = "."

// ImageBuild builds a container image from files already in a volume.
// Dockerfile and Context are paths inside that volume.
type ImageBuild struct {
	Dockerfile string
	Image      string
	Context    string
	Volume     volume.ID
}

// ImageLoad loads an image tarball already in a volume.
type ImageLoad struct {
	Tarfile string
	Image   string
	Volume  volume.ID
}

type imageBuildBody struct {
	Dockerfile string `json:"dockerfile"`
	Image      string `json:"image"`
	Context    string `json:"context"`
	PodName    string `json:"pod_name"`
}

type imageLoadBody struct {
	Tarfile string `json:"tarfile"`
	Image   string `json:"image"`
	PodName string `json:"pod_name"`
}

// BuildImage asks the gateway to build and tag an image.
func (c *Client) BuildImage(ctx context.Context, b ImageBuild) (Payload, error) {
	if b.Dockerfile == "" || b.Image == "" {
		return nil, fmt.Errorf("%w: image build requires a dockerfile and an image name", ErrInvalidRequest)
	}

	if b.Context == "" {
		b.Context = defaultBuildContext
	}

	c.logger.Info("building image",
		slog.String("image", b.Image),
		slog.String("dockerfile", b.Dockerfile),
		slog.String("pod_name", b.Volume.Name()),
	)

	body, err := jsonBody(imageBuildBody{
		Dockerfile: b.Dockerfile,
		Image:      b.Image,
		Context:    b.Context,
		PodName:    b.Volume.Name(),
	})
	if err != nil {
		return nil, err
	}

	return c.doPayload(ctx, http.MethodPost, pathImageBuild, nil, body)
}

// LoadImage asks the gateway to load an image tarball. Image must match the
// name the tarball was saved under.
func (c *Client) LoadImage(ctx context.Context, l ImageLoad) (Payload, error) {
	if l.Tarfile == "" || l.Image == "" {
		return nil, fmt.Errorf("%w: image load requires a tarfile and an image name", ErrInvalidRequest)
	}

	c.logger.Info("loading image",
		slog.String("image", l.Image),
		slog.String("tarfile", l.Tarfile),
		slog.String("pod_name", l.Volume.Name()),
	)

	body, err := jsonBody(imageLoadBody{Tarfile: l.Tarfile, Image: l.Image, PodName: l.Volume.Name()})
	if err != nil {
		return nil, err
	}

	return c.doPayload(ctx, http.MethodPost, pathImageLoad, nil, body)
}

// ListImages returns the images available to the user.
func (c *Client) ListImages(ctx context.Context) (Payload, error) {
	return c.doPayload(ctx, http.MethodGet, pathImageList, nil, nil)
}
