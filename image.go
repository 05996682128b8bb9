package main

import (
	"github.com/spf13/cobra"

	"github.com/dphi-space/emctl/internal/emapi"
)

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build, load and list container images",
		Long: `Manage the container images available to pods. build and load read their
inputs from the volume selected by --pod, so upload the Dockerfile, build
context or tarball with 'emctl put' first.`,
	}

	cmd.AddCommand(newImageBuildCmd())
	cmd.AddCommand(newImageLoadCmd())
	cmd.AddCommand(newImageListCmd())

	return cmd
}

func newImageBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <image>",
		Short: "Build an image from a Dockerfile in the selected volume",
		Args:  cobra.ExactArgs(1),
		RunE:  runImageBuild,
	}

	cmd.Flags().String("dockerfile", "Dockerfile", "Dockerfile path inside the volume")
	cmd.Flags().String("context", ".", "build context path inside the volume")

	return cmd
}

func newImageLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <image> <tarfile>",
		Short: "Load an image tarball from the selected volume",
		Long: `Load an image from a tarball in the selected volume. The image name must match
the name the tarball was saved under.`,
		Args: cobra.ExactArgs(2),
		RunE: runImageLoad,
	}
}

func newImageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available images",
		Args:  cobra.NoArgs,
		RunE:  runImageList,
	}
}

func runImageBuild(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	dockerfile, _ := cmd.Flags().GetString("dockerfile")
	buildContext, _ := cmd.Flags().GetString("context")

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	payload, err := gs.Client.BuildImage(ctx, emapi.ImageBuild{
		Dockerfile: dockerfile,
		Image:      args[0],
		Context:    buildContext,
		Volume:     cc.Cfg.Volume,
	})
	if err != nil {
		return err
	}

	return printPayload(cc.Out, payload)
}

func runImageLoad(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	payload, err := gs.Client.LoadImage(ctx, emapi.ImageLoad{
		Image:   args[0],
		Tarfile: args[1],
		Volume:  cc.Cfg.Volume,
	})
	if err != nil {
		return err
	}

	return printPayload(cc.Out, payload)
}

func runImageList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	payload, err := gs.Client.ListImages(ctx)
	if err != nil {
		return err
	}

	return printPayload(cc.Out, payload)
}
